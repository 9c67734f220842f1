package messages

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"chat-sync/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func msg(id string, sec int) models.Message {
	return models.Message{ID: id, ConversationID: "c1", SenderID: "u1", Content: "hi " + id, CreatedAt: t0.Add(time.Duration(sec) * time.Second)}
}

func ids(ms []models.Message) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.ID
	}
	return out
}

func TestMerge_DuplicatePushIsNoop(t *testing.T) {
	s := New("c1")
	s.MergeAll([]models.Message{msg("m1", 1), msg("m2", 2)})
	before := s.Snapshot()

	assert.False(t, s.Merge(msg("m2", 2)))
	assert.Equal(t, before, s.Snapshot())
	assert.Equal(t, []string{"m1", "m2"}, ids(s.Snapshot()))
}

func TestMerge_OrdersByCreatedAtThenID(t *testing.T) {
	s := New("c1")
	s.Merge(msg("m3", 3))
	s.Merge(msg("b", 1))
	s.Merge(msg("a", 1))
	s.Merge(msg("m2", 2))
	assert.Equal(t, []string{"a", "b", "m2", "m3"}, ids(s.Snapshot()))
}

func TestMerge_ArrivalOrderIrrelevant(t *testing.T) {
	var all []models.Message
	for i := 0; i < 40; i++ {
		// pairs share a timestamp so the id tie-break is exercised
		all = append(all, msg(fmt.Sprintf("m%02d", i), i/2))
	}

	reference := New("c1")
	reference.MergeAll(all)

	rng := rand.New(rand.NewSource(1))
	for round := 0; round < 20; round++ {
		shuffled := append([]models.Message(nil), all...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		history, pushed := shuffled[:25], shuffled[15:]
		s := New("c1")
		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); s.MergeAll(history) }()
		go func() {
			defer wg.Done()
			for _, m := range pushed {
				s.Merge(m)
			}
		}()
		wg.Wait()

		got := s.Snapshot()
		require.Equal(t, reference.Snapshot(), got)
		for i := 1; i < len(got); i++ {
			assert.False(t, got[i].Before(got[i-1]))
		}
	}
}

func TestMerge_RejectsForeignConversationAndEmptyID(t *testing.T) {
	s := New("c1")
	other := msg("x", 1)
	other.ConversationID = "c2"
	assert.False(t, s.Merge(other))
	assert.False(t, s.Merge(models.Message{ConversationID: "c1"}))
	assert.Equal(t, 0, s.Len())
}

func TestSeed_ReplacesBuffer(t *testing.T) {
	s := New("c1")
	s.MergeAll([]models.Message{msg("old", 1)})

	s.Seed([]models.Message{msg("m2", 2), msg("m1", 1), msg("m2", 2)})
	assert.Equal(t, []string{"m1", "m2"}, ids(s.Snapshot()))
	assert.False(t, s.Contains("old"))

	last, ok := s.Last()
	require.True(t, ok)
	assert.Equal(t, "m2", last.ID)
}

func TestChanges_Coalesced(t *testing.T) {
	s := New("c1")
	s.Merge(msg("m1", 1))
	s.Merge(msg("m2", 2))

	select {
	case <-s.Changes():
	default:
		t.Fatal("expected a change signal")
	}
	select {
	case <-s.Changes():
		t.Fatal("signals should coalesce")
	default:
	}

	s.Merge(msg("m2", 2))
	select {
	case <-s.Changes():
		t.Fatal("duplicate merge must not signal")
	default:
	}
}
