// Package admin implements the boot-time admin-account/takeover sequence and
// the controlled-shutdown mechanics shared by the `stop` command and
// operator tooling. Grounded on the teacher's cmd/matchmaker/main.go
// wiring, which is the one place in the teacher's tree that owns a
// process's full startup sequence end to end.
package admin

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/krishanu7/imcsd/internal/broker/rendezvous"
	"github.com/krishanu7/imcsd/internal/broker/state"
	"github.com/krishanu7/imcsd/internal/logsink"
	"github.com/krishanu7/imcsd/internal/rating"
	"golang.org/x/crypto/bcrypt"
)

const dialTimeout = 2 * time.Second

// EnsureAdminAccount makes sure the admin player record exists with the
// given plaintext password, creating it if absent and rehashing the
// password if it has changed since the last boot. The admin password is
// one of the two CLI arguments the spec mandates, so it is authoritative
// on every boot.
func EnsureAdminAccount(st *state.State, adminName, adminPassword string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(adminPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}

	if p, ok := st.LookupPlayer(adminName); ok {
		if bcrypt.CompareHashAndPassword([]byte(p.PasswordHash), []byte(adminPassword)) == nil {
			return nil
		}
		return st.SetPassword(adminName, string(hash))
	}
	_, err = st.Register(adminName, string(hash), rating.BaseRating)
	return err
}

// GracefulTakeover attempts to speak to a predecessor server already
// bound to addr and instruct it to stop (`me <admin> <pw>`, then `stop`). It
// returns nil both when the takeover succeeds and when no predecessor is
// listening (a plain connection refusal); any other protocol deviation
// is treated as fatal, matching "Any protocol deviation is fatal."
func GracefulTakeover(addr, adminName, adminPassword string) error {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil // nothing listening yet; nothing to take over
	}
	defer conn.Close()

	r := bufio.NewReader(conn)

	// Banner.
	if _, err := r.ReadString('\n'); err != nil {
		return fmt.Errorf("takeover: read banner: %w", err)
	}

	if _, err := fmt.Fprintf(conn, "me %s %s\n", adminName, adminPassword); err != nil {
		return fmt.Errorf("takeover: send me: %w", err)
	}
	line, err := r.ReadString('\n')
	if err != nil {
		return fmt.Errorf("takeover: read me reply: %w", err)
	}
	if !hasStatus(line, "201") {
		return fmt.Errorf("takeover: unexpected reply to me: %q", line)
	}

	if _, err := fmt.Fprint(conn, "stop\n"); err != nil {
		return fmt.Errorf("takeover: send stop: %w", err)
	}
	line, err = r.ReadString('\n')
	if err != nil {
		return fmt.Errorf("takeover: read stop reply: %w", err)
	}
	if !hasStatus(line, "205") {
		return fmt.Errorf("takeover: unexpected reply to stop: %q", line)
	}
	return nil
}

func hasStatus(line, code string) bool {
	return len(line) >= len(code) && line[:len(code)] == code
}

// Shutdown stops new offers from being published, cancels every offer
// still open, waits for any offer whose acceptance is already in flight
// to finish registering its game, then waits for every in-progress game
// to finish before terminating the process. It is called by the session
// handling `stop` after that session has already sent its own 205 reply,
// and never returns.
func Shutdown(st *state.State, log *logsink.Sink) {
	st.BeginDraining()

	for _, o := range st.ClearAllOffers() {
		rendezvous.TrySendCancelled(o.Mailbox)
	}

	// An accept that already removed its offer before BeginDraining ran
	// may not have registered its InProgress entry yet; with draining
	// set, no further offer can be published, so this can only shrink.
	for st.PendingMatches() > 0 {
		time.Sleep(5 * time.Millisecond)
	}

	dones := st.InProgressDoneChannels()
	log.Log("stop requested, draining in-progress games", map[string]any{"count": len(dones)})
	for _, done := range dones {
		<-done
	}

	log.Log("all games drained, exiting", nil)
	os.Exit(0)
}
