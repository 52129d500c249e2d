package blockstore

import (
	"github.com/calendrion/core/internal/calcore"
	"github.com/calendrion/core/internal/signer"
)

// Ignite writes the genesis block if (and only if) the store is empty, matching the
// teacher's idempotent `ignition(...)` helpers in `auxiliarium/protocol` and
// `auxiliarium/problems`. A second startup against a non-empty store is a no-op,
// satisfying the seed test in §8: "a second startup makes no change."
func Ignite(s *Store, sign *signer.Signer, stackID string, now int64) error {
	if s.Len() > 0 {
		return nil
	}
	b := calcore.Block{
		ID:       0,
		Time:     now,
		Version:  calcore.SchemaVersion,
		StackID:  stackID,
		Type:     calcore.BlockGenesis,
		DataID:   "0",
		DataVal:  calcore.ZeroHash,
		PrevHash: calcore.ZeroHash,
	}
	b.Hash = calcore.BlockHash(b)
	sig, err := sign.Sign(b.Hash)
	if err != nil {
		return err
	}
	b.Sig = sig
	return s.Append(b)
}
