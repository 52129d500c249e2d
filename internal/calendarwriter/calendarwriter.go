// Package calendarwriter is the Calendar Writer (C7, §4.7): the tick-driven engine
// that folds buffered aggregation roots into signed `cal` blocks and republishes
// per-root inclusion proofs. Its tick shape — acquire lock, snapshot state, do work,
// release, with a bounded exponential-backoff retry budget around the durable write —
// is grounded on the teacher's `consensus/sequence` critical section and its retry
// constants (factor 1.2, base delay) mirror `mindmachine`'s own network retry helpers.
package calendarwriter

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	mrand "math/rand"
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

const (
	tickPeriod   = 10 * time.Second
	writeRetries = 15
	retryFactor  = 1.2
	retryBase    = 250 * time.Millisecond
)

// Root is one buffered aggregation root awaiting inclusion in the next `cal` block,
// per §4.1's Aggregation Root entity.
type Root struct {
	AggID   string
	AggRoot calcore.S256Hash
	Msg     *bus.Message
}

// Writer owns the pending root buffer for one stack and drives its 10s tick.
type Writer struct {
	store   *blockstore.Store
	locks   *lock.Service
	elector *leader.Elector
	sign    *signer.Signer
	bus     *bus.Bus
	stackID string
	anchorURIBase string

	buffer []Root
}

// New constructs a Writer for stackID. anchorURIBase is prefixed to `/calendar/<id>/hash`
// per §4.7 step 5.
func New(store *blockstore.Store, locks *lock.Service, elector *leader.Elector, sign *signer.Signer, b *bus.Bus, stackID, anchorURIBase string) *Writer {
	return &Writer{store: store, locks: locks, elector: elector, sign: sign, bus: b, stackID: stackID, anchorURIBase: anchorURIBase}
}

// Enqueue buffers a root arriving from the aggregator queue, per §4.1: "the
// AGGREGATION_ROOTS buffer is exclusively mutated by the Calendar Writer under the
// Calendar lock." Callers append from the bus consumer loop; the lock is only needed
// at drain time since this Writer is the sole owner of its buffer.
func (w *Writer) Enqueue(r Root) {
	w.buffer = append(w.buffer, r)
}

// Run ticks every 10s at a randomized 0-9s base offset, per §4.7, until ctx is done.
func (w *Writer) Run(ctx context.Context) {
	offset := time.Duration(mrand.Intn(10)) * time.Second
	select {
	case <-ctx.Done():
		return
	case <-time.After(offset):
	}
	ticker := time.NewTicker(tickPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.tick(ctx); err != nil {
				calcore.Log(fmt.Sprintf("calendarwriter tick: %s", err), 2)
			}
		}
	}
}

// tick implements the 7-step algorithm of §4.7.
func (w *Writer) tick(ctx context.Context) error {
	if !w.elector.IsLeader() {
		return nil
	}
	if len(w.buffer) == 0 {
		return nil
	}
	lease, err := w.locks.Acquire(ctx, lock.CalendarLockKey, w.stackID, lock.TagCalendar)
	if err != nil {
		return err
	}
	defer lease.Release()

	if !w.elector.IsLeader() {
		// leadership can be revoked while waiting on the lock; re-check before any
		// side-effecting step, per §4.5.
		return nil
	}
	if len(w.buffer) == 0 {
		return nil
	}

	snapshot := w.buffer
	w.buffer = nil

	leaves := make([]calcore.S256Hash, len(snapshot))
	for i, r := range snapshot {
		leaves[i] = r.AggRoot
	}
	tree := merkle.Build(leaves, calcore.OpSHA256)
	root := tree.Root()

	tip, haveTip := w.store.Tip()
	prevHash := calcore.ZeroHash
	nextID := int64(0)
	if haveTip {
		prevHash = tip.Hash
		nextID = tip.ID + 1
	}

	block := calcore.Block{
		ID:       nextID,
		Time:     time.Now().Unix(),
		Version:  calcore.SchemaVersion,
		StackID:  w.stackID,
		Type:     calcore.BlockCalendar,
		DataID:   fmt.Sprint(nextID),
		DataVal:  root,
		PrevHash: prevHash,
	}
	block.Hash = calcore.BlockHash(block)
	block.Sig, err = w.sign.Sign(block.Hash)
	if err != nil {
		w.requeueHead(snapshot)
		return calerr.Wrap(calerr.Fatal, "signing calendar block", err)
	}

	if err := w.appendWithRetry(block); err != nil {
		w.requeueHead(snapshot)
		w.nackAll(snapshot)
		return err
	}

	if err := w.publishProofs(snapshot, tree, block); err != nil {
		// block is already durable; a publish failure only nacks the aggregator
		// messages, per §4.7's failure semantics.
		w.nackAll(snapshot)
		return err
	}

	for _, r := range snapshot {
		if r.Msg != nil {
			r.Msg.Ack()
		}
	}
	return nil
}

func (w *Writer) requeueHead(snapshot []Root) {
	w.buffer = append(append([]Root(nil), snapshot...), w.buffer...)
}

func (w *Writer) nackAll(snapshot []Root) {
	for _, r := range snapshot {
		if r.Msg != nil {
			r.Msg.Nack()
		}
	}
}

// appendWithRetry retries the durable block write with a bounded exponential backoff
// (factor 1.2, 250ms base, 15 attempts), per §4.7's failure semantics.
func (w *Writer) appendWithRetry(block calcore.Block) error {
	delay := retryBase
	var lastErr error
	for attempt := 0; attempt < writeRetries; attempt++ {
		if err := w.store.Append(block); err != nil {
			lastErr = err
			if !calerr.Retryable(err) {
				return err
			}
			time.Sleep(delay)
			delay = time.Duration(float64(delay) * retryFactor)
			continue
		}
		return nil
	}
	return calerr.Wrap(calerr.Fatal, "calendar block write exhausted retries", lastErr)
}

// publishProofs emits one proof message per root, per §4.7 step 5: the `agg`→`cal_root`
// inclusion ops, followed by the extension ops binding `cal_root` to the block hash.
func (w *Writer) publishProofs(snapshot []Root, tree merkle.Tree, block calcore.Block) error {
	blockHead := fmt.Sprintf("%d:%d:%d:%s:%s:%s", block.ID, block.Time, block.Version, block.StackID, block.Type, block.DataID)
	for i, r := range snapshot {
		seg := tree.Proof(i)
		seg = append(seg, calcore.ProofOp{L: blockHead})
		seg = append(seg, calcore.ProofOp{R: block.PrevHash})
		seg = append(seg, calcore.ProofOp{Op: calcore.OpSHA256})
		msg := struct {
			AggID   string               `json:"agg_id"`
			Ops     calcore.ProofSegment `json:"ops"`
			AnchorURI string             `json:"anchor_uri"`
		}{
			AggID:     r.AggID,
			Ops:       seg,
			AnchorURI: fmt.Sprintf("%s/calendar/%d/hash", w.anchorURIBase, block.ID),
		}
		if err := w.bus.Publish(bus.KindProof, msg); err != nil {
			return calerr.Wrap(calerr.Transient, "publishing proof segment", err)
		}
	}
	return nil
}

// NewAggID generates a fresh aggregation id for callers assembling a Root outside the
// bus (e.g. tests). No uuid library appears anywhere in the
// corpus, so ids are 16 random bytes hex-encoded rather than RFC-4122 formatted.
func NewAggID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
