package matching

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/pairing/internal/messaging"
	"github.com/whisper/pairing/internal/protocol"
	"github.com/whisper/pairing/internal/scoring"
)

// recorder is a Notifier that decodes and keeps everything sent.
type recorder struct {
	mu   sync.Mutex
	msgs map[string][]interface{}
}

func newRecorder() *recorder {
	return &recorder{msgs: make(map[string][]interface{})}
}

func (r *recorder) Send(id string, data []byte) error {
	_, msg, err := protocol.ParseServerMessage(data)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.msgs[id] = append(r.msgs[id], msg)
	r.mu.Unlock()
	return nil
}

func (r *recorder) all(id string) []interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]interface{}(nil), r.msgs[id]...)
}

func (r *recorder) matchFound(id string) []protocol.MatchFoundMsg {
	var out []protocol.MatchFoundMsg
	for _, m := range r.all(id) {
		if mf, ok := m.(protocol.MatchFoundMsg); ok {
			out = append(out, mf)
		}
	}
	return out
}

func (r *recorder) peerLeft(id string) []protocol.PeerLeftMsg {
	var out []protocol.PeerLeftMsg
	for _, m := range r.all(id) {
		if pl, ok := m.(protocol.PeerLeftMsg); ok {
			out = append(out, pl)
		}
	}
	return out
}

type eventLog struct {
	mu      sync.Mutex
	matches []messaging.MatchFoundEvent
	closed  []messaging.RoomClosedEvent
	likes   []messaging.PeerLikedEvent
	blocks  []messaging.PeerBlockedEvent
}

func (e *eventLog) MatchFound(ev messaging.MatchFoundEvent) {
	e.mu.Lock()
	e.matches = append(e.matches, ev)
	e.mu.Unlock()
}

func (e *eventLog) RoomClosed(ev messaging.RoomClosedEvent) {
	e.mu.Lock()
	e.closed = append(e.closed, ev)
	e.mu.Unlock()
}

func (e *eventLog) PeerLiked(ev messaging.PeerLikedEvent) {
	e.mu.Lock()
	e.likes = append(e.likes, ev)
	e.mu.Unlock()
}

func (e *eventLog) PeerBlocked(ev messaging.PeerBlockedEvent) {
	e.mu.Lock()
	e.blocks = append(e.blocks, ev)
	e.mu.Unlock()
}

type fixture struct {
	r      *Resolver
	rec    *recorder
	events *eventLog
}

func newFixture(t *testing.T, strategy string, historySize int) *fixture {
	t.Helper()
	rec := newRecorder()
	events := &eventLog{}
	var n int
	var mu sync.Mutex
	r := NewResolver(Config{
		Strategy: strategy,
		NewRoomID: func() string {
			mu.Lock()
			defer mu.Unlock()
			n++
			return fmt.Sprintf("room-%d", n)
		},
	}, scoring.NewScorer(historySize), rec, events, zerolog.Nop())
	return &fixture{r: r, rec: rec, events: events}
}

var videoDating = Preferences{Modality: "video", Mode: "regular", CompanionshipType: "dating"}

func (f *fixture) find(t *testing.T, id string, prefs Preferences) Result {
	t.Helper()
	f.r.Join(id)
	res, err := f.r.RequestMatch(id, prefs, scoring.Profile{Interests: []string{"music"}}, protocol.PeerProfile{Bio: "hi from " + id})
	require.NoError(t, err)
	return res
}

// ---------------------------------------------------------------------------
// Scenarios
// ---------------------------------------------------------------------------

func TestBlindDateIsolation(t *testing.T) {
	f := newFixture(t, StrategyScored, scoring.DefaultHistorySize)

	resA := f.find(t, "A", videoDating)
	assert.True(t, resA.Enqueued)

	resB := f.find(t, "B", videoDating)
	require.False(t, resB.Enqueued)
	assert.Equal(t, "A", resB.PeerID)

	mfA := f.rec.matchFound("A")
	mfB := f.rec.matchFound("B")
	require.Len(t, mfA, 1)
	require.Len(t, mfB, 1)
	assert.Equal(t, mfA[0].RoomID, mfB[0].RoomID)
	assert.Equal(t, "B", mfA[0].PeerID)
	assert.Equal(t, "A", mfB[0].PeerID)
	assert.NotEqual(t, mfA[0].Initiator, mfB[0].Initiator, "exactly one side initiates")
	assert.Equal(t, "hi from A", mfB[0].PeerProfile.Bio)
	assert.Equal(t, []string{"music"}, mfB[0].PeerProfile.SharedInterests)

	blind := videoDating
	blind.BlindDate = true
	resC := f.find(t, "C", blind)
	assert.True(t, resC.Enqueued)
	assert.Empty(t, f.rec.matchFound("C"))

	// An open-pool participant does not reach C either.
	resD := f.find(t, "D", videoDating)
	assert.True(t, resD.Enqueued)
	assert.Empty(t, f.rec.matchFound("C"))

	// A compatible blind-date peer does.
	resE := f.find(t, "E", blind)
	require.False(t, resE.Enqueued)
	assert.Equal(t, "C", resE.PeerID)
}

func TestFindNextMatch_NotifiesOnceAndMovesOn(t *testing.T) {
	f := newFixture(t, StrategyScored, scoring.DefaultHistorySize)

	f.find(t, "A", videoDating)
	first := f.find(t, "B", videoDating)
	require.NotEmpty(t, first.RoomID)
	f.find(t, "D", videoDating) // waiting

	next, err := f.r.Next("A")
	require.NoError(t, err)
	require.False(t, next.Enqueued)
	assert.Equal(t, "D", next.PeerID)
	assert.NotEqual(t, first.RoomID, next.RoomID)

	require.Len(t, f.rec.peerLeft("B"), 1)
	assert.Equal(t, first.RoomID, f.rec.peerLeft("B")[0].RoomID)

	_, inPool := f.r.PoolOf("A")
	assert.False(t, inPool)

	// Later cleanup paths never notify B again.
	f.r.Leave("A")
	f.r.Disconnect("A")
	f.r.Disconnect("A")
	assert.Len(t, f.rec.peerLeft("B"), 1)
	assert.Len(t, f.rec.peerLeft("D"), 1)
}

func TestFindNextMatch_RecentPartnerNotRepaired(t *testing.T) {
	f := newFixture(t, StrategyScored, scoring.DefaultHistorySize)

	f.find(t, "A", videoDating)
	f.find(t, "B", videoDating)

	resA, err := f.r.Next("A")
	require.NoError(t, err)
	assert.True(t, resA.Enqueued)

	resB, err := f.r.Next("B")
	require.NoError(t, err)
	assert.True(t, resB.Enqueued, "B must not be paired with A again")

	assert.Equal(t, 2, f.r.Stats().Waiting)
	assert.Len(t, f.rec.matchFound("A"), 1)
}

func TestFindMatch_NewPreferencesLeaveOldPool(t *testing.T) {
	f := newFixture(t, StrategyScored, scoring.DefaultHistorySize)

	f.find(t, "A", videoDating)
	key, ok := f.r.PoolOf("A")
	require.True(t, ok)
	assert.Equal(t, videoDating.Key(), key)

	text := Preferences{Modality: "text", Mode: "speed", CompanionshipType: "casual"}
	f.find(t, "A", text)

	key, ok = f.r.PoolOf("A")
	require.True(t, ok)
	assert.Equal(t, text.Key(), key)
	assert.Equal(t, map[PoolKey]int{text.Key(): 1}, f.r.Stats().Pools)
}

func TestNext_WithoutPreviousRequest(t *testing.T) {
	f := newFixture(t, StrategyScored, scoring.DefaultHistorySize)
	f.r.Join("A")

	_, err := f.r.Next("A")
	assert.ErrorIs(t, err, ErrNoPreferences)
	assert.ErrorIs(t, err, protocol.ErrValidation)
}

// ---------------------------------------------------------------------------
// Invariants
// ---------------------------------------------------------------------------

func TestNoSelfMatch(t *testing.T) {
	f := newFixture(t, StrategyScored, scoring.DefaultHistorySize)

	f.find(t, "A", videoDating)
	res := f.find(t, "A", videoDating)
	assert.True(t, res.Enqueued)
	assert.Empty(t, f.rec.matchFound("A"))
	assert.Equal(t, 1, f.r.Stats().Waiting)
}

func TestMatchingIsExclusive_Concurrent(t *testing.T) {
	f := newFixture(t, StrategyScored, 0)

	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("p%d", i)
			f.r.Join(id)
			_, err := f.r.RequestMatch(id, videoDating, scoring.Profile{}, protocol.PeerProfile{})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	stats := f.r.Stats()
	assert.Equal(t, n, stats.Participants)
	assert.Equal(t, n/2, stats.Rooms)
	assert.Equal(t, 0, stats.Waiting)

	roomMembers := make(map[string][]string)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("p%d", i)
		p, ok := f.r.Participant(id)
		require.True(t, ok)
		_, inPool := f.r.PoolOf(id)

		assert.False(t, p.Searching)
		assert.False(t, inPool && p.RoomID != "", "%s is in a pool and a room", id)
		require.NotEmpty(t, p.RoomID)
		roomMembers[p.RoomID] = append(roomMembers[p.RoomID], id)

		assert.LessOrEqual(t, len(f.rec.matchFound(id)), 1, "%s matched twice", id)
	}
	for room, members := range roomMembers {
		require.Len(t, members, 2, room)
		a, _ := f.r.PartnerOf(members[0])
		b, _ := f.r.PartnerOf(members[1])
		assert.Equal(t, members[1], a)
		assert.Equal(t, members[0], b)
	}
}

func TestPairedParticipantsNotTakenByThirdParty(t *testing.T) {
	f := newFixture(t, StrategyScored, scoring.DefaultHistorySize)

	f.find(t, "A", videoDating)
	f.find(t, "B", videoDating)
	res := f.find(t, "C", videoDating)
	assert.True(t, res.Enqueued)

	pa, _ := f.r.Participant("A")
	pb, _ := f.r.Participant("B")
	assert.False(t, pa.Searching)
	assert.False(t, pb.Searching)
	assert.Equal(t, pa.RoomID, pb.RoomID)
}

func TestStalePoolEntryDiscarded(t *testing.T) {
	f := newFixture(t, StrategyScored, scoring.DefaultHistorySize)

	f.find(t, "A", videoDating)
	// Simulate a missed cleanup: A still sits in the pool but is no longer
	// searching.
	f.r.mu.Lock()
	f.r.participants["A"].Searching = false
	f.r.mu.Unlock()

	res := f.find(t, "B", videoDating)
	assert.True(t, res.Enqueued)
	_, inPool := f.r.PoolOf("A")
	assert.False(t, inPool)
	assert.Equal(t, 1, f.r.Stats().Waiting)
}

func TestDisconnectIsIdempotent(t *testing.T) {
	f := newFixture(t, StrategyScored, scoring.DefaultHistorySize)

	f.find(t, "A", videoDating)
	f.find(t, "B", videoDating)

	f.r.Disconnect("A")
	f.r.Disconnect("A")
	f.r.Leave("A")

	assert.Len(t, f.rec.peerLeft("B"), 1)
	_, ok := f.r.Participant("A")
	assert.False(t, ok)
	_, ok = f.r.PartnerOf("B")
	assert.False(t, ok)
	assert.Equal(t, 0, f.r.Stats().Rooms)

	f.events.mu.Lock()
	defer f.events.mu.Unlock()
	require.Len(t, f.events.closed, 1)
	assert.Equal(t, ReasonDisconnect, f.events.closed[0].Reason)
}

func TestLeaveWhileWaiting(t *testing.T) {
	f := newFixture(t, StrategyScored, scoring.DefaultHistorySize)

	f.find(t, "A", videoDating)
	assert.True(t, f.r.Leave("A"))
	assert.False(t, f.r.Leave("A"))

	p, _ := f.r.Participant("A")
	assert.False(t, p.Searching)
	assert.Equal(t, 0, f.r.Stats().Waiting)
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

func TestRequestMatch_InvalidPreferences(t *testing.T) {
	f := newFixture(t, StrategyScored, scoring.DefaultHistorySize)
	f.find(t, "B", videoDating)
	f.r.Join("A")

	bad := []Preferences{
		{Modality: "hologram", Mode: "regular", CompanionshipType: "casual"},
		{Modality: "video", Mode: "", CompanionshipType: "casual"},
		{Modality: "video", Mode: "regular", CompanionshipType: "marriage"},
	}
	for _, prefs := range bad {
		_, err := f.r.RequestMatch("A", prefs, scoring.Profile{}, protocol.PeerProfile{})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInvalidPreferences))
		assert.True(t, errors.Is(err, protocol.ErrValidation))
	}

	_, inPool := f.r.PoolOf("A")
	assert.False(t, inPool)
	// The other pool is untouched.
	_, inPool = f.r.PoolOf("B")
	assert.True(t, inPool)
}

func TestRequestMatch_NormalizesPreferences(t *testing.T) {
	f := newFixture(t, StrategyScored, scoring.DefaultHistorySize)

	f.find(t, "A", Preferences{Modality: " Video", Mode: "REGULAR", CompanionshipType: "Dating "})
	res := f.find(t, "B", videoDating)
	assert.Equal(t, "A", res.PeerID)
}

func TestRequestMatch_UnknownParticipant(t *testing.T) {
	f := newFixture(t, StrategyScored, scoring.DefaultHistorySize)

	_, err := f.r.RequestMatch("ghost", videoDating, scoring.Profile{}, protocol.PeerProfile{})
	assert.ErrorIs(t, err, ErrUnknownParticipant)
}

// ---------------------------------------------------------------------------
// Likes and blocks
// ---------------------------------------------------------------------------

func TestLike(t *testing.T) {
	f := newFixture(t, StrategyScored, scoring.DefaultHistorySize)
	f.find(t, "A", videoDating)
	f.find(t, "B", videoDating)

	mutual, err := f.r.Like("A", "B")
	require.NoError(t, err)
	assert.False(t, mutual)

	mutual, err = f.r.Like("B", "A")
	require.NoError(t, err)
	assert.True(t, mutual)

	var liked []protocol.PeerLikedMsg
	for _, m := range f.rec.all("B") {
		if pl, ok := m.(protocol.PeerLikedMsg); ok {
			liked = append(liked, pl)
		}
	}
	require.Len(t, liked, 1)
	assert.Equal(t, "A", liked[0].From)

	pa, _ := f.r.Participant("A")
	assert.Contains(t, pa.Likes, "B")
	assert.Contains(t, pa.LikedBy, "B")

	_, err = f.r.Like("A", "A")
	assert.ErrorIs(t, err, ErrSelfTarget)
	_, err = f.r.Like("A", "ghost")
	assert.ErrorIs(t, err, ErrUnknownParticipant)
}

func TestBlockCurrentPartner(t *testing.T) {
	// History disabled so only the block keeps them apart.
	f := newFixture(t, StrategyScored, 0)
	f.find(t, "A", videoDating)
	f.find(t, "B", videoDating)

	require.NoError(t, f.r.Block("A", "B"))
	assert.Len(t, f.rec.peerLeft("B"), 1)

	_, err := f.r.Next("B")
	require.NoError(t, err)
	res, err := f.r.Next("A")
	require.NoError(t, err)
	assert.True(t, res.Enqueued)

	assert.ErrorIs(t, f.r.Block("A", "A"), ErrSelfTarget)

	f.events.mu.Lock()
	defer f.events.mu.Unlock()
	require.Len(t, f.events.blocks, 1)
	assert.Equal(t, "B", f.events.blocks[0].To)
}

func TestBlockSurvivesProfileRefresh(t *testing.T) {
	f := newFixture(t, StrategyScored, 0)
	f.find(t, "B", videoDating)
	f.r.Join("A")
	require.NoError(t, f.r.Block("A", "B"))

	res := f.find(t, "A", videoDating)
	assert.True(t, res.Enqueued)
}

// ---------------------------------------------------------------------------
// Strategy and bookkeeping
// ---------------------------------------------------------------------------

func TestStrategies(t *testing.T) {
	// weak blocks strong so the two wait side by side.
	weak := scoring.Profile{Interests: []string{"chess"}}
	weak.Block("strong")
	strong := scoring.Profile{Interests: []string{"music", "anime"}, Languages: []string{"en"}}
	requester := scoring.Profile{Interests: []string{"music", "anime"}, Languages: []string{"en"}}

	for strategy, want := range map[string]string{StrategyScored: "strong", StrategyFIFO: "weak"} {
		t.Run(strategy, func(t *testing.T) {
			f := newFixture(t, strategy, scoring.DefaultHistorySize)
			for _, c := range []struct {
				id   string
				prof scoring.Profile
			}{{"weak", weak}, {"strong", strong}} {
				f.r.Join(c.id)
				res, err := f.r.RequestMatch(c.id, videoDating, c.prof, protocol.PeerProfile{})
				require.NoError(t, err)
				require.True(t, res.Enqueued)
			}

			f.r.Join("req")
			res, err := f.r.RequestMatch("req", videoDating, requester, protocol.PeerProfile{})
			require.NoError(t, err)
			assert.Equal(t, want, res.PeerID)
		})
	}
}

func TestMatchEventsPublished(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	f := newFixture(t, StrategyScored, scoring.DefaultHistorySize)
	f.r.now = func() time.Time { return now }

	f.find(t, "A", videoDating)
	now = now.Add(2 * time.Second)
	res := f.find(t, "B", videoDating)
	assert.Equal(t, 2*time.Second, res.PeerWaited)

	f.events.mu.Lock()
	defer f.events.mu.Unlock()
	require.Len(t, f.events.matches, 1)
	ev := f.events.matches[0]
	assert.Equal(t, res.RoomID, ev.RoomID)
	assert.Equal(t, int64(2000), ev.WaitMs)
	assert.Equal(t, string(videoDating.Key()), ev.PoolKey)
}
