// Package anchor is the Anchor Engine (C8, §4.8): the twice-hourly Bitcoin anchoring
// pipeline plus its confirmation-consumer counterpart. The outbound tx request and the
// inbound monitor messages travel over the bus; this package makes no HTTP calls.
// Scheduling and lock discipline mirror `calendarwriter`'s tick, generalized to the
// two independent paths described in §4.8.
package anchor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand"
	"time"

	"github.com/calendrion/core/internal/blockstore"
	"github.com/calendrion/core/internal/bus"
	"github.com/calendrion/core/internal/calcore"
	"github.com/calendrion/core/internal/calerr"
	"github.com/calendrion/core/internal/leader"
	"github.com/calendrion/core/internal/lock"
	"github.com/calendrion/core/internal/merkle"
	"github.com/calendrion/core/internal/signer"
)

// Engine drives both the Anchor and Confirm paths for one stack.
type Engine struct {
	store   *blockstore.Store
	locks   *lock.Service
	elector *leader.Elector
	sign    *signer.Signer
	bus     *bus.Bus
	stackID string

	monitorBuffer []MonitorMessage
}

// MonitorMessage is a `btcmon` bus payload, per §4.8's Confirm path.
type MonitorMessage struct {
	BTCTxID       string           `json:"btctx_id"`
	BTCHeadHeight int64            `json:"btchead_height"`
	BTCHeadRoot   calcore.S256Hash `json:"btchead_root"`
	Path          calcore.ProofSegment `json:"path"`
	msg           *bus.Message
}

func New(store *blockstore.Store, locks *lock.Service, elector *leader.Elector, sign *signer.Signer, b *bus.Bus, stackID string) *Engine {
	return &Engine{store: store, locks: locks, elector: elector, sign: sign, bus: b, stackID: stackID}
}

// RunAnchor drives the Anchor path at :00 and :30 with a random second jitter, per
// §4.8.
func (e *Engine) RunAnchor(ctx context.Context) {
	for {
		wait := untilNextHalfHour(time.Now()) + time.Duration(rand.Intn(20))*time.Second
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		if err := e.anchorOnce(ctx); err != nil {
			calcore.Log(fmt.Sprintf("anchor tick: %s", err), 2)
		}
	}
}

func untilNextHalfHour(now time.Time) time.Duration {
	next := now.Truncate(30 * time.Minute).Add(30 * time.Minute)
	return next.Sub(now)
}

// anchorOnce implements §4.8's Anchor path.
func (e *Engine) anchorOnce(ctx context.Context) error {
	if !e.elector.IsLeader() {
		return nil
	}
	last, ok := e.store.LastOfType(calcore.BlockBTCAnchor, e.stackID)
	lastID := int64(-1)
	if ok {
		lastID = last.ID
	}

	if !e.bus.Connected() {
		// abort before any block write to avoid an orphan anchor, per §4.8.
		return calerr.New(calerr.DependencyUnavailable, "bus unavailable, aborting anchor cycle")
	}

	lease, err := e.locks.Acquire(ctx, lock.CalendarLockKey, e.stackID, lock.TagBTCAnchor)
	if err != nil {
		return err
	}
	defer lease.Release()

	if !e.elector.IsLeader() {
		return nil
	}

	tip, haveTip := e.store.Tip()
	if !haveTip || tip.ID <= lastID {
		return nil
	}
	blocks := e.store.Scan(lastID+1, tip.ID)
	if len(blocks) == 0 {
		return nil
	}

	leaves := make([]calcore.S256Hash, len(blocks))
	for i, b := range blocks {
		leaves[i] = b.Hash
	}
	tree := merkle.Build(leaves, calcore.OpSHA256)
	root := tree.Root()
	aggID := newAggID()

	btcaID := tip.ID + 1
	btca := calcore.Block{
		ID:       btcaID,
		Time:     time.Now().Unix(),
		Version:  calcore.SchemaVersion,
		StackID:  e.stackID,
		Type:     calcore.BlockBTCAnchor,
		DataID:   "",
		DataVal:  root,
		PrevHash: tip.Hash,
	}
	btca.Hash = calcore.BlockHash(btca)
	if btca.Sig, err = e.sign.Sign(btca.Hash); err != nil {
		return calerr.Wrap(calerr.Fatal, "signing btc-a block", err)
	}
	if err := e.store.Append(btca); err != nil {
		return err
	}

	// per-`cal` proof segments are published before the root is handed to the tx
	// path, per §5's ordering guarantee.
	for i, b := range blocks {
		if b.Type != calcore.BlockCalendar {
			continue
		}
		seg := tree.Proof(i)
		msg := struct {
			BlockID int64                `json:"block_id"`
			AggID   string               `json:"anchor_btc_agg_id"`
			Ops     calcore.ProofSegment `json:"ops"`
		}{BlockID: b.ID, AggID: aggID, Ops: seg}
		if err := e.bus.Publish(bus.KindProof, msg); err != nil {
			return calerr.Wrap(calerr.Transient, "publishing anchor_btc_agg segment", err)
		}
	}
	txReq := struct {
		AnchorBTCAggID   string           `json:"anchor_btc_agg_id"`
		AnchorBTCAggRoot calcore.S256Hash `json:"anchor_btc_agg_root"`
	}{aggID, root}
	if err := e.bus.Publish(bus.KindBTCTx, txReq); err != nil {
		return calerr.Wrap(calerr.Transient, "publishing btc-tx request", err)
	}
	return nil
}

// EnqueueMonitor buffers a `btcmon` message for the Confirm path, per §4.8.
func (e *Engine) EnqueueMonitor(m MonitorMessage, msg *bus.Message) {
	m.msg = msg
	e.monitorBuffer = append(e.monitorBuffer, m)
}

// RunConfirm drains buffered monitor messages under the single elected leader for the
// audit-producer/calendar role, per §4.8's Confirm path.
func (e *Engine) RunConfirm(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.confirmOnce(ctx)
		}
	}
}

func (e *Engine) confirmOnce(ctx context.Context) {
	if !e.elector.IsLeader() || len(e.monitorBuffer) == 0 {
		return
	}
	lease, err := e.locks.Acquire(ctx, lock.CalendarLockKey, e.stackID, lock.TagBTCConfirm)
	if err != nil {
		calcore.Log(fmt.Sprintf("confirm lock acquire: %s", err), 2)
		return
	}
	defer lease.Release()

	pending := e.monitorBuffer
	e.monitorBuffer = nil
	for _, m := range pending {
		if err := e.confirmOne(m); err != nil {
			calcore.Log(fmt.Sprintf("confirm one: %s", err), 2)
			if m.msg != nil {
				m.msg.Nack()
			}
			continue
		}
		if m.msg != nil {
			m.msg.Ack()
		}
	}
}

func (e *Engine) confirmOne(m MonitorMessage) error {
	tip, ok := e.store.Tip()
	prevHash := calcore.ZeroHash
	nextID := int64(0)
	if ok {
		prevHash = tip.Hash
		nextID = tip.ID + 1
	}
	btcc := calcore.Block{
		ID:       nextID,
		Time:     time.Now().Unix(),
		Version:  calcore.SchemaVersion,
		StackID:  e.stackID,
		Type:     calcore.BlockBTCConfirm,
		DataID:   fmt.Sprint(m.BTCHeadHeight),
		DataVal:  m.BTCHeadRoot,
		PrevHash: prevHash,
	}
	btcc.Hash = calcore.BlockHash(btcc)
	var err error
	if btcc.Sig, err = e.sign.Sign(btcc.Hash); err != nil {
		return calerr.Wrap(calerr.Fatal, "signing btc-c block", err)
	}
	if err := e.store.Append(btcc); err != nil {
		return err
	}
	stateMsg := struct {
		BTCTxID   string               `json:"btctx_id"`
		Ops       calcore.ProofSegment `json:"ops"`
		AnchorURI string               `json:"anchor_uri"`
	}{
		BTCTxID:   m.BTCTxID,
		Ops:       append(append(calcore.ProofSegment(nil), m.Path...), calcore.ProofOp{Op: calcore.OpSHA256x2}),
		AnchorURI: fmt.Sprintf("/calendar/%d/data", btcc.ID),
	}
	if err := e.bus.Publish(bus.KindProof, stateMsg); err != nil {
		return calerr.Wrap(calerr.Transient, "publishing btc-c state message", err)
	}
	return nil
}

// PreprocessTx computes the deterministic prefix/suffix ops for a raw Bitcoin
// transaction body around the aggregation root, per §4.8's tx-path pre-processing.
func PreprocessTx(rawTx []byte, aggRoot calcore.S256Hash) (calcore.ProofSegment, error) {
	rootBytes := mustHex(aggRoot)
	idx := indexOf(rawTx, rootBytes)
	if idx < 0 {
		return nil, calerr.New(calerr.Validation, "aggregation root not found in raw tx body")
	}
	prefix := rawTx[:idx]
	suffix := rawTx[idx+len(rootBytes):]
	return calcore.ProofSegment{
		{L: hexString(prefix)},
		{R: hexString(suffix)},
		{Op: calcore.OpSHA256x2},
	}, nil
}

func indexOf(haystack, needle []byte) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		match := true
		for j := range needle {
			if haystack[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

func newAggID() string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d", time.Now().UnixNano())))
	return hexString(sum[:16])
}

func mustHex(h calcore.S256Hash) []byte {
	b, _ := hex.DecodeString(string(h))
	return b
}

func hexString(b []byte) string {
	return hex.EncodeToString(b)
}
