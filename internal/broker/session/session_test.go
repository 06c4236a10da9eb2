package session

import (
	"bufio"
	"bytes"
	"io"
	"math/rand"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/krishanu7/imcsd/internal/broker/rendezvous"
	"github.com/krishanu7/imcsd/internal/broker/state"
	"github.com/krishanu7/imcsd/internal/driver"
	"github.com/krishanu7/imcsd/internal/logsink"
	"github.com/krishanu7/imcsd/internal/rating"
	"github.com/krishanu7/imcsd/store"
)

func newTestDeps(t *testing.T) Deps {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	s, err := state.New(st)
	require.NoError(t, err)
	log, err := logsink.New(&bytes.Buffer{}, "error")
	require.NoError(t, err)
	return Deps{
		State:     s,
		Store:     st,
		Driver:    driver.NewRandomDriver(rand.NewSource(1)),
		Log:       log,
		AdminName: "admin",
	}
}

func readLine(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	return strings.TrimRight(line, "\n")
}

func TestSession_RegisterLoginAndChangePassword(t *testing.T) {
	deps := newTestDeps(t)
	client, srv := net.Pipe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = New(srv, deps).Serve()
	}()

	r := bufio.NewReader(client)
	require.Equal(t, "100 imcs 2.2", readLine(t, r))

	fireLine(t, client, "register alice secret")
	require.Equal(t, "202 hello new user alice", readLine(t, r))

	fireLine(t, client, "password newsecret")
	require.Equal(t, "203 password changed", readLine(t, r))

	fireLine(t, client, "me alice newsecret")
	require.Equal(t, "201 hello alice", readLine(t, r))

	fireLine(t, client, "quit")
	require.Equal(t, "200 Goodbye", readLine(t, r))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve never returned after quit")
	}

	p, ok := deps.State.LookupPlayer("alice")
	require.True(t, ok)
	require.NoError(t, bcrypt.CompareHashAndPassword([]byte(p.PasswordHash), []byte("newsecret")))
}

func TestSession_MeRejectsUnknownUserAndWrongPassword(t *testing.T) {
	deps := newTestDeps(t)
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	require.NoError(t, err)
	_, err = deps.State.Register("bob", string(hash), rating.BaseRating)
	require.NoError(t, err)

	client, srv := net.Pipe()
	go func() { _, _ = New(srv, deps).Serve() }()
	r := bufio.NewReader(client)
	readLine(t, r) // banner

	fireLine(t, client, "me ghost secret")
	require.Equal(t, "400 no such user", readLine(t, r))

	fireLine(t, client, "me bob wrongpassword")
	require.Equal(t, "401 wrong password", readLine(t, r))

	fireLine(t, client, "me bob secret")
	require.Equal(t, "201 hello bob", readLine(t, r))

	fireLine(t, client, "quit")
	readLine(t, r)
}

func TestSession_StopRejectsNonAdmin(t *testing.T) {
	deps := newTestDeps(t)
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	require.NoError(t, err)
	_, err = deps.State.Register("bob", string(hash), rating.BaseRating)
	require.NoError(t, err)

	client, srv := net.Pipe()
	go func() { _, _ = New(srv, deps).Serve() }()
	r := bufio.NewReader(client)
	readLine(t, r) // banner

	fireLine(t, client, "me bob secret")
	readLine(t, r)

	fireLine(t, client, "stop")
	require.Equal(t, "502 admin only", readLine(t, r))

	fireLine(t, client, "quit")
	readLine(t, r)
}

func TestSession_OfferAcceptPlaysGameAndUpdatesRatings(t *testing.T) {
	deps := newTestDeps(t)
	aliceHash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	require.NoError(t, err)
	bobHash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	require.NoError(t, err)
	_, err = deps.State.Register("alice", string(aliceHash), rating.BaseRating)
	require.NoError(t, err)
	_, err = deps.State.Register("bob", string(bobHash), rating.BaseRating)
	require.NoError(t, err)

	aliceClient, aliceSrv := net.Pipe()
	bobClient, bobSrv := net.Pipe()

	aliceDone := make(chan struct{})
	bobDone := make(chan struct{})
	go func() { _, _ = New(aliceSrv, deps).Serve(); close(aliceDone) }()
	go func() { _, _ = New(bobSrv, deps).Serve(); close(bobDone) }()

	aliceR := bufio.NewReader(aliceClient)
	bobR := bufio.NewReader(bobClient)
	readLine(t, aliceR) // banner
	readLine(t, bobR)   // banner

	fireLine(t, aliceClient, "me alice secret")
	require.Equal(t, "201 hello alice", readLine(t, aliceR))
	fireLine(t, bobClient, "me bob secret")
	require.Equal(t, "201 hello bob", readLine(t, bobR))

	fireLine(t, aliceClient, "offer W")
	offerLine := readLine(t, aliceR)
	require.Contains(t, offerLine, "waiting for offer acceptance")
	fields := strings.Fields(offerLine)
	require.GreaterOrEqual(t, len(fields), 3)
	gameID := fields[2] // "101 game <id> waiting for offer acceptance"

	fireLine(t, bobClient, "accept "+gameID)
	require.Equal(t, "103 accepting offer", readLine(t, bobR))
	require.Equal(t, "102 received acceptance", readLine(t, aliceR))

	// The driver writes to white then black at each of its two stages, and
	// each net.Pipe write rendezvous-blocks until the matching read
	// happens; reads below must interleave white/black in that order to
	// avoid deadlocking against the driver goroutine.
	require.Contains(t, readLine(t, aliceR), "you are playing")
	require.Contains(t, readLine(t, bobR), "you are playing")
	require.Contains(t, readLine(t, aliceR), "game over")
	require.Contains(t, readLine(t, bobR), "game over")

	select {
	case <-aliceDone:
	case <-time.After(2 * time.Second):
		t.Fatal("alice's session never returned")
	}
	select {
	case <-bobDone:
	case <-time.After(2 * time.Second):
		t.Fatal("bob's session never returned")
	}

	alice, _ := deps.State.LookupPlayer("alice")
	bob, _ := deps.State.LookupPlayer("bob")
	// Both ratings move away from baseRating by an equal and opposite
	// amount for a decisive game, or stay equal for a draw; either way
	// they can no longer both sit at baseRating unless the game drew.
	if alice.Rating != rating.BaseRating || bob.Rating != rating.BaseRating {
		require.NotEqual(t, alice.Rating, rating.BaseRating)
	}
	require.Equal(t, alice.Rating-rating.BaseRating, rating.BaseRating-bob.Rating)
}

func TestSession_CleanWithdrawsOwnOffersOnly(t *testing.T) {
	deps := newTestDeps(t)
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	require.NoError(t, err)
	_, err = deps.State.Register("alice", string(hash), rating.BaseRating)
	require.NoError(t, err)

	client, srv := net.Pipe()
	go func() { _, _ = New(srv, deps).Serve() }()
	r := bufio.NewReader(client)
	readLine(t, r) // banner

	fireLine(t, client, "me alice secret")
	readLine(t, r)

	// Directly publish two offers bypassing the wire, one owned by alice
	// and one by bob, so `clean` has something to discriminate between
	// without also blocking this goroutine on either offer's mailbox.
	aliceID, err := deps.State.AllocateGameID()
	require.NoError(t, err)
	require.NoError(t, deps.State.PublishOffer(&state.Offer{
		GameID: aliceID, OwnerName: "alice", Color: "W", Mailbox: rendezvous.New(),
	}))
	bobID, err := deps.State.AllocateGameID()
	require.NoError(t, err)
	require.NoError(t, deps.State.PublishOffer(&state.Offer{
		GameID: bobID, OwnerName: "bob", Color: "B", Mailbox: rendezvous.New(),
	}))
	require.Len(t, deps.State.ListPosts(), 2)

	fireLine(t, client, "clean")
	require.Equal(t, "204 1 games cleaned", readLine(t, r))

	rows := deps.State.ListPosts()
	require.Len(t, rows, 1)
	require.Equal(t, "bob", rows[0].OwnerName)

	fireLine(t, client, "quit")
	readLine(t, r)
}

// fireLine writes one command line to conn's write half without blocking
// the calling goroutine longer than necessary, matching how a real
// blocking-write net.Conn client behaves against net.Pipe's synchronous
// rendezvous semantics.
func fireLine(t *testing.T, w io.Writer, line string) {
	t.Helper()
	_, err := w.Write([]byte(line + "\n"))
	require.NoError(t, err)
}
