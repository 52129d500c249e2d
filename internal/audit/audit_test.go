package audit

import (
	"testing"
	"time"

	"github.com/calendrion/core/internal/blockstore"
	"github.com/calendrion/core/internal/calcore"
	"github.com/calendrion/core/internal/leader"
	"github.com/calendrion/core/internal/lock"
	"github.com/calendrion/core/internal/signer"
)

func newTestStoreWithBlocks(t *testing.T, n int64) *blockstore.Store {
	t.Helper()
	s, err := blockstore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %s", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	sign, _, err := signer.Generate()
	if err != nil {
		t.Fatalf("signer.Generate: %s", err)
	}
	if err := blockstore.Ignite(s, sign, "test", 1); err != nil {
		t.Fatalf("Ignite: %s", err)
	}
	tip, _ := s.Tip()
	prev := tip.Hash
	for id := int64(1); id <= n; id++ {
		b := calcore.Block{
			ID:       id,
			Time:     time.Now().Unix(),
			Version:  calcore.SchemaVersion,
			StackID:  "test",
			Type:     calcore.BlockCalendar,
			DataID:   "root",
			DataVal:  calcore.Sha256Hex([]byte{byte(id)}),
			PrevHash: prev,
		}
		b.Hash = calcore.BlockHash(b)
		sig, err := sign.Sign(b.Hash)
		if err != nil {
			t.Fatalf("Sign: %s", err)
		}
		b.Sig = sig
		if err := s.Append(b); err != nil {
			t.Fatalf("Append id=%d: %s", id, err)
		}
		prev = b.Hash
	}
	return s
}

func newTestEngine(store *blockstore.Store) *Engine {
	locks := lock.New()
	elector := leader.New(locks, leader.RoleAudit, "node-a")
	return New(store, elector, []byte("hmac-key"), 0, 0, "0.0.0")
}

func TestHMACWindowAcceptsNeighboringMinutes(t *testing.T) {
	key := []byte("secret")
	now := time.Date(2026, 1, 1, 12, 30, 0, 0, time.UTC)
	tag := hmacTag(key, "tnt-1", "https://1.2.3.4:80", now)

	if !VerifyHMACWindow(key, "tnt-1", "https://1.2.3.4:80", now.Add(-time.Minute), tag) {
		t.Fatal("expected t-1 minute to accept a tag generated at t")
	}
	if !VerifyHMACWindow(key, "tnt-1", "https://1.2.3.4:80", now, tag) {
		t.Fatal("expected t minute to accept its own tag")
	}
	if !VerifyHMACWindow(key, "tnt-1", "https://1.2.3.4:80", now.Add(time.Minute), tag) {
		t.Fatal("expected t+1 minute to accept a tag generated at t")
	}
}

func TestHMACWindowRejectsOutsideWindow(t *testing.T) {
	key := []byte("secret")
	now := time.Date(2026, 1, 1, 12, 30, 0, 0, time.UTC)
	tag := hmacTag(key, "tnt-1", "https://1.2.3.4:80", now)

	if VerifyHMACWindow(key, "tnt-1", "https://1.2.3.4:80", now.Add(2*time.Minute), tag) {
		t.Fatal("expected a tag two minutes stale to be rejected")
	}
	if VerifyHMACWindow(key, "tnt-1", "https://1.2.3.4:80", now, "wrong-tag") {
		t.Fatal("expected a mismatched tag to be rejected")
	}
}

func TestChallengeGenerationBoundaryAtTip2000(t *testing.T) {
	// tip.ID <= 2000: max == tip.ID (no offset)
	lowStore := newTestStoreWithBlocks(t, 5)
	lowEngine := newTestEngine(lowStore)
	lowEngine.generateChallenge()
	c, ok := lowEngine.CurrentChallenge()
	if !ok {
		t.Fatal("expected a challenge after generateChallenge")
	}
	tip, _ := lowStore.Tip()
	if c.Max != tip.ID {
		t.Fatalf("expected max == tip.ID (%d) when tip.ID <= 2000, got %d", tip.ID, c.Max)
	}
	if c.Min < 0 {
		t.Fatalf("expected min to be clamped at 0, got %d", c.Min)
	}
}

func TestChallengeGenerationOffsetAboveTip2000(t *testing.T) {
	highStore := newTestStoreWithBlocks(t, 2500)
	highEngine := newTestEngine(highStore)
	highEngine.generateChallenge()
	c, ok := highEngine.CurrentChallenge()
	if !ok {
		t.Fatal("expected a challenge after generateChallenge")
	}
	tip, _ := highStore.Tip()
	if c.Max != tip.ID-1000 {
		t.Fatalf("expected max == tip.ID-1000 (%d) when tip.ID > 2000, got %d", tip.ID-1000, c.Max)
	}
	if c.Min > c.Max-10 || c.Min < 0 {
		t.Fatalf("expected min within [0, max-10], got min=%d max=%d", c.Min, c.Max)
	}
}

func TestEvaluateFailsClosedWhenUnreachable(t *testing.T) {
	store := newTestStoreWithBlocks(t, 1)
	engine := newTestEngine(store)
	engine.generateChallenge()

	node := NodeInfo{TntAddr: "tnt-1", PublicURI: "https://1.2.3.4:80", IP: "1.2.3.4"}
	r := engine.Evaluate(node, "1.2.3.4", "https://1.2.3.4:80", "", "", time.Now(), false)
	if r.Pass() {
		t.Fatal("an unreachable node must never pass an audit round")
	}
}

func TestEvaluatePassesAllPredicates(t *testing.T) {
	store := newTestStoreWithBlocks(t, 1)
	engine := newTestEngine(store)
	engine.generateChallenge()
	c, _ := engine.CurrentChallenge()

	node := NodeInfo{
		TntAddr:      "tnt-1",
		PublicURI:    "https://1.2.3.4:80",
		IP:           "1.2.3.4",
		Credits:      0,
		Version:      "1.0.0",
		TokenBalance: 0,
	}
	now := time.Now()
	tag := hmacTag(engine.hmacKey, node.TntAddr, node.PublicURI, now)
	r := engine.Evaluate(node, node.IP, node.PublicURI, c.Solution, tag, now, true)
	if !r.Pass() {
		t.Fatalf("expected all predicates to pass: %+v", r)
	}
}

func TestAuditScoreDecrementsOnFailureFlooredAtZero(t *testing.T) {
	store := newTestStoreWithBlocks(t, 1)
	engine := newTestEngine(store)
	engine.generateChallenge()

	node := NodeInfo{TntAddr: "tnt-1", PublicURI: "https://1.2.3.4:80"}
	engine.Evaluate(node, "wrong-ip", node.PublicURI, "", "", time.Now(), true)
	if engine.AuditScore("tnt-1") != 0 {
		t.Fatalf("expected score to floor at 0, got %d", engine.AuditScore("tnt-1"))
	}
}
