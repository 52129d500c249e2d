package calendarwriter

import (
	"context"
	"testing"
	"time"

	"github.com/calendrion/core/internal/blockstore"
	"github.com/calendrion/core/internal/bus"
	"github.com/calendrion/core/internal/calcore"
	"github.com/calendrion/core/internal/leader"
	"github.com/calendrion/core/internal/lock"
	"github.com/calendrion/core/internal/signer"
)

func newTestWriter(t *testing.T) (*Writer, *blockstore.Store, *leader.Elector, context.CancelFunc) {
	t.Helper()
	store, err := blockstore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %s", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	sign, _, err := signer.Generate()
	if err != nil {
		t.Fatalf("signer.Generate: %s", err)
	}
	if err := blockstore.Ignite(store, sign, "test", 1); err != nil {
		t.Fatalf("Ignite: %s", err)
	}

	locks := lock.New()
	elector := leader.New(locks, leader.RoleCalendar, "node-a")
	ctx, cancel := context.WithCancel(context.Background())
	go elector.Run(ctx)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !elector.IsLeader() {
		time.Sleep(5 * time.Millisecond)
	}
	if !elector.IsLeader() {
		cancel()
		t.Fatal("elector never became leader")
	}

	b := bus.New(nil)
	w := New(store, locks, elector, sign, b, "test", "https://anchor.example")
	return w, store, elector, cancel
}

func TestTickWithEmptyBufferIsNoOp(t *testing.T) {
	w, store, _, cancel := newTestWriter(t)
	defer cancel()

	before := store.Len()
	if err := w.tick(context.Background()); err != nil {
		t.Fatalf("tick: %s", err)
	}
	if store.Len() != before {
		t.Fatalf("expected no new blocks for an empty buffer, got %d -> %d", before, store.Len())
	}
}

func TestTickWritesCalendarBlockEvenWhenProofPublishFails(t *testing.T) {
	// the test Writer's bus was never Connect()'d, so publishProofs fails; per
	// §4.7's failure semantics the block write is already durable by that point,
	// only the aggregator messages get nacked.
	w, store, _, cancel := newTestWriter(t)
	defer cancel()

	w.Enqueue(Root{AggID: NewAggID(), AggRoot: calcore.Sha256Hex([]byte("root-a"))})
	w.Enqueue(Root{AggID: NewAggID(), AggRoot: calcore.Sha256Hex([]byte("root-b"))})

	err := w.tick(context.Background())
	if err == nil {
		t.Fatal("expected tick to report the proof-publish failure")
	}

	tip, ok := store.Tip()
	if !ok || tip.Type != calcore.BlockCalendar {
		t.Fatalf("expected a cal block at the tip despite the publish failure, got %+v ok=%v", tip, ok)
	}
	if len(w.buffer) != 0 {
		t.Fatalf("expected the buffer to be drained (not requeued) after a successful append, got %d pending", len(w.buffer))
	}
}

func TestNewAggIDProducesDistinctHexIDs(t *testing.T) {
	a := NewAggID()
	b := NewAggID()
	if a == b {
		t.Fatal("expected two calls to NewAggID to produce different ids")
	}
	if len(a) != 32 {
		t.Fatalf("expected a 32-hex-char id (16 random bytes), got %d chars", len(a))
	}
}
