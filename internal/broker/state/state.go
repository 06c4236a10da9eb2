// Package state owns the single in-memory record the whole broker
// mutates: the next game id, the list of open Offers and in-progress
// games, and the player table. Every mutation happens under one
// exclusive guard, mirroring mcoot-crosswordgame-go2's
// internal/storage/memory.Storage: one mutex guarding a handful of
// plain maps, taken and released around each operation rather than held
// across any blocking call.
package state

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/krishanu7/imcsd/internal/broker/rendezvous"
	"github.com/krishanu7/imcsd/store"
)

var (
	// ErrDuplicateGameID indicates an internal invariant violation: two
	// posts were about to share a game id. The caller should reply 499.
	ErrDuplicateGameID = errors.New("state: duplicate game id")

	// ErrDraining is returned by PublishOffer once BeginDraining has been
	// called: the server is on its way out and will not accept new
	// offers that could still be pending when it exits.
	ErrDraining = errors.New("state: server draining, no new offers accepted")
)

// Offer is a waiting-for-opponent advertisement.
type Offer struct {
	GameID        int
	OwnerName     string
	OwnerClientID string
	Color         string // "W" or "B"
	Mailbox       rendezvous.Mailbox
}

// InProgress is an active game between two matched sessions.
type InProgress struct {
	GameID     int
	WhiteName  string
	BlackName  string
	WhiteRating int
	BlackRating int
	Done       chan struct{}
}

// State is the guarded service-state triple. All fields are private;
// every access goes through a method that takes the guard for the
// shortest possible critical section.
type State struct {
	mu sync.Mutex

	nextGameID int
	offers     map[int]*Offer
	inProgress map[int]*InProgress
	players    map[string]store.Player

	// draining and pendingMatches let Shutdown wait out every game that
	// is guaranteed to exist, including one whose offer has already been
	// removed by a winning accept but whose InProgress entry has not yet
	// been registered by the offerer's goroutine (see AddInProgress).
	draining       bool
	pendingMatches int

	st *store.Store
}

// New loads the player table and next-game-id counter from st and
// returns a ready State.
func New(st *store.Store) (*State, error) {
	players, err := st.LoadPlayers()
	if err != nil {
		return nil, fmt.Errorf("load players: %w", err)
	}
	nextID, err := st.LoadNextGameID()
	if err != nil {
		return nil, fmt.Errorf("load next game id: %w", err)
	}

	byName := make(map[string]store.Player, len(players))
	for _, p := range players {
		byName[p.Name] = p
	}

	return &State{
		nextGameID: nextID,
		offers:     make(map[int]*Offer),
		inProgress: make(map[int]*InProgress),
		players:    byName,
		st:         st,
	}, nil
}

// LookupPlayer returns a copy of the named player's record.
func (s *State) LookupPlayer(name string) (store.Player, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.players[name]
	return p, ok
}

// Register creates a new player record with rating baseRating, persists
// the table, and returns the new record. It fails with store.ErrNameTaken
// if the name is already present.
func (s *State) Register(name, passwordHash string, baseRating int) (store.Player, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.players[name]; exists {
		return store.Player{}, store.ErrNameTaken
	}
	p := store.Player{Name: name, PasswordHash: passwordHash, Rating: baseRating}
	s.players[name] = p
	if err := s.persistPlayersLocked(); err != nil {
		delete(s.players, name)
		return store.Player{}, err
	}
	return p, nil
}

// SetPassword rewrites name's password hash and persists the table. It
// fails with store.ErrNoSuchPlayer if the record is missing.
func (s *State) SetPassword(name, newHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.players[name]
	if !ok {
		return store.ErrNoSuchPlayer
	}
	old := p.PasswordHash
	p.PasswordHash = newHash
	s.players[name] = p
	if err := s.persistPlayersLocked(); err != nil {
		p.PasswordHash = old
		s.players[name] = p
		return err
	}
	return nil
}

// UpdateRatings rewrites both players' ratings after a completed game and
// persists the table.
func (s *State) UpdateRatings(whiteName string, whiteNew int, blackName string, blackNew int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	white, ok := s.players[whiteName]
	if !ok {
		return fmt.Errorf("%w: %s", store.ErrNoSuchPlayer, whiteName)
	}
	black, ok := s.players[blackName]
	if !ok {
		return fmt.Errorf("%w: %s", store.ErrNoSuchPlayer, blackName)
	}
	oldWhite, oldBlack := white.Rating, black.Rating
	white.Rating, black.Rating = whiteNew, blackNew
	s.players[whiteName] = white
	s.players[blackName] = black

	if err := s.persistPlayersLocked(); err != nil {
		white.Rating, black.Rating = oldWhite, oldBlack
		s.players[whiteName] = white
		s.players[blackName] = black
		return err
	}
	return nil
}

func (s *State) persistPlayersLocked() error {
	players := make([]store.Player, 0, len(s.players))
	for _, p := range s.players {
		players = append(players, p)
	}
	sort.Slice(players, func(i, j int) bool { return players[i].Name < players[j].Name })
	return s.st.SavePlayers(players)
}

// RatingsBoard returns the top n players by descending rating.
func (s *State) RatingsBoard(n int) []store.Player {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := make([]store.Player, 0, len(s.players))
	for _, p := range s.players {
		all = append(all, p)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Rating != all[j].Rating {
			return all[i].Rating > all[j].Rating
		}
		return all[i].Name < all[j].Name
	})
	if len(all) > n {
		all = all[:n]
	}
	return all
}

// AllocateGameID increments and persists the next-game-id counter,
// returning the id just allocated.
func (s *State) AllocateGameID() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextGameID
	s.nextGameID++
	if err := s.st.SaveNextGameID(s.nextGameID); err != nil {
		s.nextGameID--
		return 0, err
	}
	return id, nil
}

// PublishOffer adds o to the open-offers set. It fails with ErrDraining
// once BeginDraining has been called, so a `stop` in progress can never
// race a brand new offer into existence after it has already decided
// which games to wait for.
func (s *State) PublishOffer(o *Offer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draining {
		return ErrDraining
	}
	if _, exists := s.offers[o.GameID]; exists {
		return ErrDuplicateGameID
	}
	s.offers[o.GameID] = o
	return nil
}

// RemoveOffer atomically locates and removes the offer with the given id,
// returning it. Once this returns ok==true, no other caller will ever see
// or remove the same offer again, which is what makes accept's
// remove-then-signal sequence atomic from an observer's perspective.
//
// A successful removal also marks a match as pending until the
// offerer's goroutine calls AddInProgress: between the two, the game
// exists (its offer is gone) but has no Done channel yet for Shutdown
// to wait on, so Shutdown instead waits for PendingMatches to reach
// zero before it ever inspects InProgressDoneChannels.
func (s *State) RemoveOffer(gameID int) (*Offer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.offers[gameID]
	if ok {
		delete(s.offers, gameID)
		s.pendingMatches++
	}
	return o, ok
}

// RemoveOffersByOwner removes and returns every open offer owned by name.
func (s *State) RemoveOffersByOwner(name string) []*Offer {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []*Offer
	for id, o := range s.offers {
		if o.OwnerName == name {
			removed = append(removed, o)
			delete(s.offers, id)
		}
	}
	return removed
}

// ClearAllOffers removes and returns every open offer, used by `stop`.
func (s *State) ClearAllOffers() []*Offer {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := make([]*Offer, 0, len(s.offers))
	for id, o := range s.offers {
		all = append(all, o)
		delete(s.offers, id)
	}
	return all
}

// AddInProgress records a newly matched game. It always resolves the
// pendingMatches count RemoveOffer incremented, whether or not the
// insert itself succeeds, since either way the match this call
// corresponds to is no longer "in flight but untracked".
func (s *State) AddInProgress(ip *InProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pendingMatches > 0 {
		s.pendingMatches--
	}
	if _, exists := s.inProgress[ip.GameID]; exists {
		return ErrDuplicateGameID
	}
	s.inProgress[ip.GameID] = ip
	return nil
}

// BeginDraining marks the server as shutting down: no further offers
// will be accepted (PublishOffer starts failing with ErrDraining). It is
// the first step of `stop`'s drain sequence, called before any offer is
// cancelled so no new one can appear in the gap.
func (s *State) BeginDraining() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.draining = true
}

// PendingMatches reports how many accepted offers have not yet
// registered their InProgress entry. Shutdown polls this down to zero
// before it trusts InProgressDoneChannels' snapshot to be complete.
func (s *State) PendingMatches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingMatches
}

// RemoveInProgress drops a finished game's post.
func (s *State) RemoveInProgress(gameID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inProgress, gameID)
}

// InProgressDoneChannels returns the completion signal of every game
// currently in progress, for `stop` to wait on after releasing the guard.
func (s *State) InProgressDoneChannels() []chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	chans := make([]chan struct{}, 0, len(s.inProgress))
	for _, ip := range s.inProgress {
		chans = append(chans, ip.Done)
	}
	return chans
}

// PostRow is a read-only, race-free snapshot of one post for `list`.
type PostRow struct {
	GameID      int
	IsOffer     bool
	OwnerName   string
	Color       string
	OwnerRating int
	HasRating   bool
	WhiteName   string
	BlackName   string
	WhiteRating int
	BlackRating int
}

// ListPosts returns a snapshot of every open offer and in-progress game,
// sorted by game id for stable output.
func (s *State) ListPosts() []PostRow {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := make([]PostRow, 0, len(s.offers)+len(s.inProgress))
	for _, o := range s.offers {
		rating, ok := s.players[o.OwnerName]
		rows = append(rows, PostRow{
			GameID:      o.GameID,
			IsOffer:     true,
			OwnerName:   o.OwnerName,
			Color:       o.Color,
			OwnerRating: rating.Rating,
			HasRating:   ok,
		})
	}
	for _, ip := range s.inProgress {
		rows = append(rows, PostRow{
			GameID:      ip.GameID,
			IsOffer:     false,
			WhiteName:   ip.WhiteName,
			BlackName:   ip.BlackName,
			WhiteRating: ip.WhiteRating,
			BlackRating: ip.BlackRating,
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].GameID < rows[j].GameID })
	return rows
}
