package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/krishanu7/imcsd/internal/broker/admin"
	"github.com/krishanu7/imcsd/internal/broker/rendezvous"
	"github.com/krishanu7/imcsd/internal/broker/state"
	"github.com/krishanu7/imcsd/internal/driver"
	"github.com/krishanu7/imcsd/internal/logsink"
	"github.com/krishanu7/imcsd/internal/notify"
	"github.com/krishanu7/imcsd/internal/rating"
	"github.com/krishanu7/imcsd/internal/spectate"
	"github.com/krishanu7/imcsd/store"
)

// whiteBlackTimeBudgetMS is the fixed per-player clock spec.md mandates.
const whiteBlackTimeBudgetMS = 300000

var helpLines = []string{
	"me <name> <password>       - authenticate",
	"register <name> <password> - create an account and authenticate",
	"password <password>        - change your password",
	"list                       - list open offers and in-progress games",
	"ratings                    - show the top 10 ratings",
	"offer <W|B>                - advertise a game, waiting for acceptance",
	"accept <id>                - accept an open offer",
	"clean                      - withdraw your own open offers",
	"quit                       - close the connection",
}

// Deps are the collaborators a Session needs, all owned by the process
// and shared across every connection.
type Deps struct {
	State     *state.State
	Store     *store.Store
	Driver    driver.Driver
	Log       *logsink.Sink
	Notify    notify.Publisher
	Spectate  *spectate.Hub
	AdminName string
}

// Session is one connected client's command-protocol state machine.
type Session struct {
	conn net.Conn
	r    *bufio.Reader
	w    *writer
	id   string
	name string
	deps Deps
}

// New builds a Session bound to conn. Callers are responsible for closing
// conn once Serve returns, unless Serve reports that ownership of conn
// was transferred to another session (see Serve's transferred return).
func New(conn net.Conn, deps Deps) *Session {
	if deps.Notify == nil {
		deps.Notify = notify.Noop{}
	}
	return &Session{
		conn: conn,
		r:    bufio.NewReader(conn),
		w:    newWriter(conn),
		id:   uuid.New().String(),
		deps: deps,
	}
}

// Serve runs the session's command loop to completion. transferred is
// true iff conn's ownership passed to another session (an `accept` that
// matched); in that case the caller must not close conn itself.
func (s *Session) Serve() (transferred bool, err error) {
	if err := s.w.line("100 imcs %s", ProtocolVersion); err != nil {
		return false, err
	}

	for {
		line, err := s.r.ReadString('\n')
		if err != nil {
			s.implicitClean()
			if errors.Is(err, io.EOF) {
				return false, nil
			}
			return false, err
		}

		verb, args := parseLine(line)
		if verb == "" {
			continue
		}

		switch verb {
		case "help":
			if err := s.w.block("210", helpLines); err != nil {
				return false, err
			}
		case "quit":
			_ = s.w.line("200 Goodbye")
			return false, nil
		case "me":
			if err := s.handleMe(args); err != nil {
				return false, err
			}
		case "register":
			if err := s.handleRegister(args); err != nil {
				return false, err
			}
		case "password":
			if err := s.handlePassword(args); err != nil {
				return false, err
			}
		case "list":
			if err := s.handleList(); err != nil {
				return false, err
			}
		case "ratings":
			if err := s.handleRatings(); err != nil {
				return false, err
			}
		case "offer":
			done, err := s.handleOffer(args)
			if err != nil {
				return false, err
			}
			if done {
				return false, nil
			}
		case "accept":
			accepted, err := s.handleAccept(args)
			if err != nil {
				return false, err
			}
			if accepted {
				return true, nil
			}
		case "clean":
			if err := s.handleClean(); err != nil {
				return false, err
			}
		case "stop":
			if err := s.handleStop(); err != nil {
				return false, err
			}
		default:
			if err := s.w.line("501 unknown command"); err != nil {
				return false, err
			}
		}
	}
}

// implicitClean treats a dropped connection as if the session had issued
// `clean` for any Offers it still owns, per DESIGN.md's resolution of
// the "peer disconnects while Offering" open question.
func (s *Session) implicitClean() {
	if s.name == "" {
		return
	}
	for _, o := range s.deps.State.RemoveOffersByOwner(s.name) {
		rendezvous.TrySendCancelled(o.Mailbox)
	}
}

func (s *Session) handleMe(args []string) error {
	if len(args) != 2 {
		return s.w.line("501 unknown command")
	}
	name, password := args[0], args[1]
	p, ok := s.deps.State.LookupPlayer(name)
	if !ok {
		return s.w.line("400 no such user")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(p.PasswordHash), []byte(password)); err != nil {
		return s.w.line("401 wrong password")
	}
	s.name = name
	return s.w.line("201 hello %s", name)
}

func (s *Session) handleRegister(args []string) error {
	if len(args) != 2 {
		return s.w.line("501 unknown command")
	}
	name, password := args[0], args[1]
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if _, err := s.deps.State.Register(name, string(hash), rating.BaseRating); err != nil {
		if errors.Is(err, store.ErrNameTaken) {
			return s.w.line("402 user already exists")
		}
		return err
	}
	s.name = name
	return s.w.line("202 hello new user %s", name)
}

func (s *Session) handlePassword(args []string) error {
	if s.name == "" {
		return s.w.line("403 not logged in")
	}
	if len(args) != 1 {
		return s.w.line("501 unknown command")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(args[0]), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := s.deps.State.SetPassword(s.name, string(hash)); err != nil {
		if errors.Is(err, store.ErrNoSuchPlayer) {
			return s.w.line("500 authenticated user vanished")
		}
		return err
	}
	return s.w.line("203 password changed")
}

func (s *Session) handleList() error {
	rows := s.deps.State.ListPosts()
	lines := make([]string, 0, len(rows))
	for _, r := range rows {
		if r.IsOffer {
			ratingStr := "?"
			if r.HasRating {
				ratingStr = strconv.Itoa(r.OwnerRating)
			}
			lines = append(lines, fmt.Sprintf("%d %s %s %s [offer]", r.GameID, r.OwnerName, r.Color, ratingStr))
			continue
		}
		lines = append(lines, fmt.Sprintf("%d %s %s (%d/%d)  [in-progress]", r.GameID, r.WhiteName, r.BlackName, r.WhiteRating, r.BlackRating))
	}
	return s.w.block("211", lines)
}

func (s *Session) handleRatings() error {
	top := s.deps.State.RatingsBoard(10)
	lines := make([]string, 0, 11)
	found := false
	for _, p := range top {
		lines = append(lines, fmt.Sprintf("%s %d", p.Name, p.Rating))
		if p.Name == s.name {
			found = true
		}
	}
	if s.name != "" && !found {
		if me, ok := s.deps.State.LookupPlayer(s.name); ok {
			lines = append(lines, fmt.Sprintf("%s %d", me.Name, me.Rating))
		}
	}
	return s.w.block("212", lines)
}

// handleOffer publishes an Offer and blocks on its mailbox. done reports
// whether the session's loop should stop because a match started and
// finished (playGame runs to completion before Serve resumes its loop,
// since a matched offerer never returns to reading further commands).
func (s *Session) handleOffer(args []string) (done bool, err error) {
	if s.name == "" {
		return false, s.w.line("404 not named")
	}
	if len(args) != 1 || (args[0] != "W" && args[0] != "B") {
		return false, s.w.line("405 bad color")
	}
	color := args[0]

	id, err := s.deps.State.AllocateGameID()
	if err != nil {
		return false, fmt.Errorf("allocate game id: %w", err)
	}

	mb := rendezvous.New()
	offer := &state.Offer{GameID: id, OwnerName: s.name, OwnerClientID: s.id, Color: color, Mailbox: mb}
	if err := s.deps.State.PublishOffer(offer); err != nil {
		if errors.Is(err, state.ErrDraining) {
			return false, s.w.line("421 offer countermanded")
		}
		s.deps.Log.Error("duplicate game id publishing offer", map[string]any{"gameId": id})
		return false, s.w.line("499 internal error")
	}
	if err := s.w.line("101 game %d waiting for offer acceptance", id); err != nil {
		return false, err
	}

	msg := <-mb

	switch msg.Kind {
	case rendezvous.Cancelled:
		return false, s.w.line("421 offer countermanded")
	case rendezvous.Accepted:
		// The "102" write can fail if this session's own connection died
		// while it was parked on <-mb (the offerer-disconnects-while-Offering
		// case). offer.Mailbox has already handed the accepter's connection
		// off to us and RemoveOffer has already counted this as a pending
		// match, so there is no path back to "no match happened" from here:
		// register and run the game regardless, the same way playGame itself
		// tolerates a broken connection via its fatal-I/O-error branch.
		notifyErr := s.w.line("102 received acceptance")
		if notifyErr != nil {
			s.deps.Log.Error("failed to notify offerer of acceptance", map[string]any{"gameId": id, "err": notifyErr.Error()})
		}
		s.playGame(id, color, msg.AccepterName, msg.AccepterConn)
		return true, nil
	default:
		return false, fmt.Errorf("session: unexpected mailbox message kind %v", msg.Kind)
	}
}

func (s *Session) handleAccept(args []string) (accepted bool, err error) {
	if s.name == "" {
		return false, s.w.line("406 not named")
	}
	if len(args) != 1 {
		return false, s.w.line("407 bad id")
	}
	id, ok := parseGameID(args[0])
	if !ok {
		return false, s.w.line("407 bad id")
	}

	offer, ok := s.deps.State.RemoveOffer(id)
	if !ok {
		return false, s.w.line("408 no such game")
	}
	if err := s.w.line("103 accepting offer"); err != nil {
		return false, err
	}
	if !rendezvous.TrySendAccepted(offer.Mailbox, s.name, s.id, s.conn) {
		s.deps.Log.Error("offer mailbox already signaled", map[string]any{"gameId": id})
		return false, nil
	}
	s.deps.Notify.Publish("match_found", map[string]any{"gameId": id, "owner": offer.OwnerName, "accepter": s.name})
	return true, nil
}

func (s *Session) handleClean() error {
	if s.name == "" {
		return s.w.line("406 not named")
	}
	removed := s.deps.State.RemoveOffersByOwner(s.name)
	for _, o := range removed {
		rendezvous.TrySendCancelled(o.Mailbox)
	}
	return s.w.line("204 %d games cleaned", len(removed))
}

func (s *Session) handleStop() error {
	if s.name == "" {
		return s.w.line("406 not named")
	}
	if s.name != s.deps.AdminName {
		return s.w.line("502 admin only")
	}
	if err := s.w.line("205 server stopping, goodbye"); err != nil {
		return err
	}
	admin.Shutdown(s.deps.State, s.deps.Log)
	return nil // unreachable: Shutdown terminates the process
}

// playGame assigns colors, opens the game's transcript, invokes the
// driver, updates ratings, and closes both connections. It always runs
// to completion synchronously in the offerer's own goroutine, matching
// the spec's description of the offerer owning both handles for the
// game's duration.
func (s *Session) playGame(gameID int, offererColor, accepterName string, accepterConn net.Conn) {
	var whiteName, blackName string
	var whiteConn, blackConn net.Conn
	if offererColor == "W" {
		whiteName, whiteConn = s.name, s.conn
		blackName, blackConn = accepterName, accepterConn
	} else {
		whiteName, whiteConn = accepterName, accepterConn
		blackName, blackConn = s.name, s.conn
	}

	whiteP, _ := s.deps.State.LookupPlayer(whiteName)
	blackP, _ := s.deps.State.LookupPlayer(blackName)

	done := make(chan struct{})
	ip := &state.InProgress{
		GameID: gameID, WhiteName: whiteName, BlackName: blackName,
		WhiteRating: whiteP.Rating, BlackRating: blackP.Rating, Done: done,
	}
	if err := s.deps.State.AddInProgress(ip); err != nil {
		s.deps.Log.Error("duplicate in-progress game id", map[string]any{"gameId": gameID})
	}

	gameLog := s.deps.Log
	logFile, err := s.deps.Store.OpenGameLog(gameID)
	if err != nil {
		s.deps.Log.Error("failed to open game log", map[string]any{"gameId": gameID, "err": err.Error()})
	} else {
		var out io.Writer = logFile
		if s.deps.Spectate != nil {
			out = io.MultiWriter(logFile, s.deps.Spectate.Writer(gameID))
		}
		gameLog = s.deps.Log.WithWriter(out)
		defer logFile.Close()
	}
	if s.deps.Spectate != nil {
		defer s.deps.Spectate.CloseRoom(gameID)
	}

	gameLog.Log(fmt.Sprintf("game %d: %s (white) vs %s (black)", gameID, whiteName, blackName), nil)
	gameLog.Log(time.Now().UTC().Format(time.RFC3339), nil)

	score, playErr := s.deps.Driver.Play(context.Background(),
		driver.Endpoint{Name: whiteName, Conn: whiteConn, TimeBudget: whiteBlackTimeBudgetMS},
		driver.Endpoint{Name: blackName, Conn: blackConn, TimeBudget: whiteBlackTimeBudgetMS},
	)

	if playErr != nil {
		gameLog.Error("fatal I/O error running game", map[string]any{"gameId": gameID, "err": playErr.Error()})
		_, _ = fmt.Fprint(whiteConn, "420 fatal IO error: exiting\n")
		_, _ = fmt.Fprint(blackConn, "420 fatal IO error: exiting\n")
	} else {
		whiteNew := rating.Update(whiteP.Rating, blackP.Rating, score)
		blackNew := rating.Update(blackP.Rating, whiteP.Rating, -score)
		if err := s.deps.State.UpdateRatings(whiteName, whiteNew, blackName, blackNew); err != nil {
			gameLog.Error("failed to persist ratings", map[string]any{"gameId": gameID, "err": err.Error()})
		}
		gameLog.Log(fmt.Sprintf("game %d over, score=%d", gameID, score), nil)
		s.deps.Notify.Publish("game_over", map[string]any{
			"gameId": gameID, "white": whiteName, "black": blackName, "score": score,
		})
	}

	_ = whiteConn.Close()
	_ = blackConn.Close()

	s.deps.State.RemoveInProgress(gameID)
	close(done)
}
