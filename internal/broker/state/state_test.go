package state

import (
	"testing"

	"github.com/krishanu7/imcsd/internal/broker/rendezvous"
	"github.com/krishanu7/imcsd/store"
	"github.com/stretchr/testify/require"
)

func newTestState(t *testing.T) *State {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	s, err := New(st)
	require.NoError(t, err)
	return s
}

func TestRegister_RejectsDuplicateName(t *testing.T) {
	s := newTestState(t)
	_, err := s.Register("alice", "hash", 1200)
	require.NoError(t, err)

	_, err = s.Register("alice", "hash2", 1200)
	require.ErrorIs(t, err, store.ErrNameTaken)
}

func TestAllocateGameID_IsMonotonic(t *testing.T) {
	s := newTestState(t)
	seen := make(map[int]bool)
	prev := 0
	for i := 0; i < 5; i++ {
		id, err := s.AllocateGameID()
		require.NoError(t, err)
		require.False(t, seen[id], "game id %d allocated twice", id)
		require.Greater(t, id, prev)
		seen[id] = true
		prev = id
	}
}

func TestRemoveOffer_OnlyOneCallerWins(t *testing.T) {
	s := newTestState(t)
	id, err := s.AllocateGameID()
	require.NoError(t, err)
	offer := &Offer{GameID: id, OwnerName: "alice", Color: "W", Mailbox: rendezvous.New()}
	require.NoError(t, s.PublishOffer(offer))

	_, ok1 := s.RemoveOffer(id)
	_, ok2 := s.RemoveOffer(id)
	require.True(t, ok1)
	require.False(t, ok2)
}

func TestRemoveOffersByOwner_OnlyRemovesOwnedOffers(t *testing.T) {
	s := newTestState(t)
	id1, _ := s.AllocateGameID()
	id2, _ := s.AllocateGameID()
	id3, _ := s.AllocateGameID()
	require.NoError(t, s.PublishOffer(&Offer{GameID: id1, OwnerName: "alice", Color: "W", Mailbox: rendezvous.New()}))
	require.NoError(t, s.PublishOffer(&Offer{GameID: id2, OwnerName: "alice", Color: "B", Mailbox: rendezvous.New()}))
	require.NoError(t, s.PublishOffer(&Offer{GameID: id3, OwnerName: "bob", Color: "W", Mailbox: rendezvous.New()}))

	removed := s.RemoveOffersByOwner("alice")
	require.Len(t, removed, 2)

	rows := s.ListPosts()
	require.Len(t, rows, 1)
	require.Equal(t, "bob", rows[0].OwnerName)
}

func TestListPosts_SortedByGameID(t *testing.T) {
	s := newTestState(t)
	id1, _ := s.AllocateGameID()
	id2, _ := s.AllocateGameID()
	require.NoError(t, s.PublishOffer(&Offer{GameID: id2, OwnerName: "bob", Color: "W", Mailbox: rendezvous.New()}))
	require.NoError(t, s.PublishOffer(&Offer{GameID: id1, OwnerName: "alice", Color: "B", Mailbox: rendezvous.New()}))

	rows := s.ListPosts()
	require.Len(t, rows, 2)
	require.Equal(t, id1, rows[0].GameID)
	require.Equal(t, id2, rows[1].GameID)
}

func TestUpdateRatings_PersistsAndSurvivesReload(t *testing.T) {
	dir := t.TempDir()
	st, err := store.Open(dir)
	require.NoError(t, err)
	s, err := New(st)
	require.NoError(t, err)

	_, err = s.Register("alice", "h1", 1200)
	require.NoError(t, err)
	_, err = s.Register("bob", "h2", 1200)
	require.NoError(t, err)

	require.NoError(t, s.UpdateRatings("alice", 1216, "bob", 1184))

	st2, err := store.Open(dir)
	require.NoError(t, err)
	s2, err := New(st2)
	require.NoError(t, err)

	alice, ok := s2.LookupPlayer("alice")
	require.True(t, ok)
	require.Equal(t, 1216, alice.Rating)
}

func TestPublishOffer_RejectsOnceDraining(t *testing.T) {
	s := newTestState(t)
	id, err := s.AllocateGameID()
	require.NoError(t, err)

	s.BeginDraining()
	err = s.PublishOffer(&Offer{GameID: id, OwnerName: "alice", Color: "W", Mailbox: rendezvous.New()})
	require.ErrorIs(t, err, ErrDraining)
	require.Empty(t, s.ListPosts())
}

func TestPendingMatches_TracksAcceptedOfferUntilAddInProgress(t *testing.T) {
	s := newTestState(t)
	id, err := s.AllocateGameID()
	require.NoError(t, err)
	require.NoError(t, s.PublishOffer(&Offer{GameID: id, OwnerName: "alice", Color: "W", Mailbox: rendezvous.New()}))

	require.Equal(t, 0, s.PendingMatches())

	_, ok := s.RemoveOffer(id)
	require.True(t, ok)
	require.Equal(t, 1, s.PendingMatches(), "removing an offer must count as a pending match until AddInProgress")

	require.NoError(t, s.AddInProgress(&InProgress{GameID: id, WhiteName: "alice", BlackName: "bob", Done: make(chan struct{})}))
	require.Equal(t, 0, s.PendingMatches())
}

func TestRatingsBoard_SortedDescendingAndCapped(t *testing.T) {
	s := newTestState(t)
	ratings := []int{1000, 1400, 1200, 1600, 900, 1100, 1300, 1500, 1050, 1250, 1350}
	for i, r := range ratings {
		_, err := s.Register(string(rune('a'+i)), "h", r)
		require.NoError(t, err)
	}
	top := s.RatingsBoard(10)
	require.Len(t, top, 10)
	for i := 1; i < len(top); i++ {
		require.GreaterOrEqual(t, top[i-1].Rating, top[i].Rating)
	}
}
