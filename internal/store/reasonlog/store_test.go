package reasonlog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"arena/internal/reasoning"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "db", "reasoning.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func entry(id string, seq uint64, at time.Time) reasoning.Entry {
	return reasoning.Entry{
		ID:         id,
		ProfileID:  "alpha",
		Seq:        seq,
		Category:   reasoning.CategoryDecision,
		Source:     "scheduler",
		Content:    "no-op: " + id,
		Confidence: 0.5,
		CreatedAt:  at,
	}
}

func TestAppendAndLoadRecent(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	base := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"e1", "e2", "e3"} {
		require.NoError(t, s.AppendEntry(ctx, entry(id, uint64(i+1), base.Add(time.Duration(i)*time.Minute))))
	}
	withPayload := entry("e4", 4, base.Add(3*time.Minute))
	withPayload.Payload = map[string]any{"status": "accepted"}
	withPayload.Related = []string{"d-1"}
	withPayload.Impact = "more cautious"
	require.NoError(t, s.AppendEntry(ctx, withPayload))
	require.NoError(t, s.AppendEntry(ctx, withPayload), "duplicate ids are ignored")

	got, err := s.LoadRecent(ctx, "alpha", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "e3", got[0].ID)
	assert.Equal(t, "e4", got[1].ID)
	assert.Equal(t, "accepted", got[1].Payload["status"])
	assert.Equal(t, []string{"d-1"}, got[1].Related)
	assert.Equal(t, "more cautious", got[1].Impact)
	assert.True(t, base.Add(3*time.Minute).Equal(got[1].CreatedAt))

	other, err := s.LoadRecent(ctx, "beta", 10)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestPrune(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	base := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.AppendEntry(ctx, entry("old", 1, base)))
	require.NoError(t, s.AppendEntry(ctx, entry("new", 2, base.Add(48*time.Hour))))

	n, err := s.Prune(ctx, base.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	got, err := s.LoadRecent(ctx, "alpha", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "new", got[0].ID)
}

func TestRestoreIntoReasoningStore(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	first := reasoning.NewStore(reasoning.StoreParams{Persister: s})
	for _, c := range []string{"one", "two"} {
		_, err := first.Append(ctx, reasoning.Entry{ProfileID: "alpha", Category: reasoning.CategoryMarketObservation, Content: c})
		require.NoError(t, err)
	}

	second := reasoning.NewStore(reasoning.StoreParams{Persister: s})
	require.NoError(t, second.Restore(ctx, []string{"alpha"}))
	view := second.View("alpha", reasoning.PurposeAudit, reasoning.Window{})
	require.Len(t, view, 2)
	assert.Equal(t, "two", view[0].Content)

	e, err := second.Append(ctx, reasoning.Entry{ProfileID: "alpha", Category: reasoning.CategoryDecision, Content: "three"})
	require.NoError(t, err)
	assert.Greater(t, e.Seq, view[0].Seq)
}
