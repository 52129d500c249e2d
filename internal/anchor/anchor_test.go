package anchor

import (
	"context"
	"testing"
	"time"

	"github.com/calendrion/core/internal/blockstore"
	"github.com/calendrion/core/internal/bus"
	"github.com/calendrion/core/internal/calcore"
	"github.com/calendrion/core/internal/leader"
	"github.com/calendrion/core/internal/lock"
	"github.com/calendrion/core/internal/merkle"
	"github.com/calendrion/core/internal/signer"
)

func newTestEngine(t *testing.T) *Engine {
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
	elector := leader.New(locks, leader.RoleAnchor, "node-a")
	b := bus.New(nil)
	return New(store, locks, elector, sign, b, "test")
}

func TestAnchorOnceIsNoOpWhenNotLeader(t *testing.T) {
	e := newTestEngine(t)
	before := e.store.Len()
	if err := e.anchorOnce(context.Background()); err != nil {
		t.Fatalf("expected no error when not leader, got %s", err)
	}
	if e.store.Len() != before {
		t.Fatalf("expected no blocks written when not leader, got %d -> %d", before, e.store.Len())
	}
}

func TestAnchorOnceAbortsWhenBusUnavailable(t *testing.T) {
	e := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.elector.Run(ctx)
	waitForLeader(t, e)

	before := e.store.Len()
	err := e.anchorOnce(context.Background())
	if err == nil {
		t.Fatal("expected an error aborting the anchor cycle when the bus is unavailable")
	}
	if e.store.Len() != before {
		t.Fatalf("expected no orphan anchor block written when the bus is unavailable, got %d -> %d", before, e.store.Len())
	}
}

func waitForLeader(t *testing.T, e *Engine) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if e.elector.IsLeader() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("elector never became leader")
}

func TestPreprocessTxFindsAggRootAndSplitsPrefixSuffix(t *testing.T) {
	aggRoot := calcore.Sha256Hex([]byte("agg-root"))
	rootBytes := mustHex(aggRoot)
	rawTx := append(append([]byte("prefix-bytes-"), rootBytes...), []byte("-suffix-bytes")...)

	seg, err := PreprocessTx(rawTx, aggRoot)
	if err != nil {
		t.Fatalf("PreprocessTx: %s", err)
	}
	if len(seg) != 3 {
		t.Fatalf("expected 3 proof ops (prefix, suffix, op), got %d", len(seg))
	}
	if seg[2].Op != calcore.OpSHA256x2 {
		t.Fatalf("expected the tx-path op to be sha-256-x2, got %q", seg[2].Op)
	}
}

// TestPreprocessTxReplaysToDoubleSHA256OfWholeTx checks §8's tx-path invariant: the
// {l:prefix},{r:suffix},{op:sha-256-x2} segment PreprocessTx emits must replay from
// the aggregation root to SHA256x2(prefix||aggRoot||suffix), i.e. SHA256x2(rawTx).
func TestPreprocessTxReplaysToDoubleSHA256OfWholeTx(t *testing.T) {
	aggRoot := calcore.Sha256Hex([]byte("agg-root"))
	rootBytes := mustHex(aggRoot)
	rawTx := append(append([]byte("prefix-bytes-"), rootBytes...), []byte("-suffix-bytes")...)

	seg, err := PreprocessTx(rawTx, aggRoot)
	if err != nil {
		t.Fatalf("PreprocessTx: %s", err)
	}

	got, err := merkle.Replay(aggRoot, seg)
	if err != nil {
		t.Fatalf("Replay: %s", err)
	}
	want := calcore.Sha256x2Hex(rawTx)
	if got != want {
		t.Fatalf("replayed tx-path hash %s != SHA256x2(rawTx) %s", got, want)
	}
}

func TestPreprocessTxFailsWhenRootNotFound(t *testing.T) {
	_, err := PreprocessTx([]byte("no root here"), calcore.Sha256Hex([]byte("missing")))
	if err == nil {
		t.Fatal("expected an error when the aggregation root is absent from the raw tx")
	}
}

func TestIndexOfFindsSubsequence(t *testing.T) {
	haystack := []byte("abcXYZdef")
	if idx := indexOf(haystack, []byte("XYZ")); idx != 3 {
		t.Fatalf("expected index 3, got %d", idx)
	}
	if idx := indexOf(haystack, []byte("nope")); idx != -1 {
		t.Fatalf("expected -1 for a missing needle, got %d", idx)
	}
}
