// Package merkle builds binary Merkle trees over ordered leaf sequences and emits
// per-leaf inclusion proofs, per §4.3. It generalizes the teacher's recursive
// `mindmachine.Merkle` (which only produced a root) into a tree that remembers every
// level so that a Proof Segment can be reconstructed for any leaf.
package merkle

import (
	"encoding/hex"
	"errors"

	"github.com/calendrion/core/internal/calcore"
)

var (
	errNoPendingSibling = errors.New("merkle: hash op with no preceding sibling")
	errUnknownOp        = errors.New("merkle: unknown proof op")
)

// HashFunc selects the caller's hashing mode for internal node concatenation.
type HashFunc func([]byte) calcore.S256Hash

var (
	SHA256   HashFunc = calcore.Sha256Hex
	SHA256x2 HashFunc = calcore.Sha256x2Hex
)

// Tree is a built Merkle tree: `Levels[0]` is the leaf level (hex strings) and
// `Levels[len-1]` is a single-element slice containing the root.
type Tree struct {
	Levels [][]calcore.S256Hash
	opName string
}

// Build constructs a Merkle tree over leaves in the given order (no sorting, no
// deduplication) using opName ("sha-256" or "sha-256-x2") to combine siblings.
// Odd counts promote the unpaired leaf unchanged to the next level, per §4.3.
func Build(leaves []calcore.S256Hash, opName string) Tree {
	h := SHA256
	if opName == calcore.OpSHA256x2 {
		h = SHA256x2
	}
	t := Tree{opName: opName}
	if len(leaves) == 0 {
		return t
	}
	level := append([]calcore.S256Hash(nil), leaves...)
	t.Levels = append(t.Levels, level)
	for len(level) > 1 {
		var next []calcore.S256Hash
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			left, err1 := hex.DecodeString(level[i])
			right, err2 := hex.DecodeString(level[i+1])
			if err1 != nil || err2 != nil {
				// leaves are always our own hex output; a decode failure means a
				// caller passed a raw non-hex value, which is a programming error.
				calcore.Log("merkle: non-hex leaf encountered", 1)
			}
			buf := append(append([]byte(nil), left...), right...)
			next = append(next, h(buf))
		}
		t.Levels = append(t.Levels, next)
		level = next
	}
	return t
}

// Root returns the tree's root hash, or "" for an empty tree.
func (t Tree) Root() calcore.S256Hash {
	if len(t.Levels) == 0 {
		return ""
	}
	top := t.Levels[len(t.Levels)-1]
	if len(top) == 0 {
		return ""
	}
	return top[0]
}

// Proof returns the inclusion proof for the leaf at index i as an ordered ProofSegment:
// alternating sibling-direction operations and hash ops, per §4.3's tie-break rule
// (a sibling to the right yields `{r}`, to the left yields `{l}`, and each pairing is
// followed by the selected hash op).
func (t Tree) Proof(i int) calcore.ProofSegment {
	if len(t.Levels) == 0 || i < 0 || i >= len(t.Levels[0]) {
		return nil
	}
	var seg calcore.ProofSegment
	idx := i
	for level := 0; level < len(t.Levels)-1; level++ {
		cur := t.Levels[level]
		if idx%2 == 0 {
			if idx+1 == len(cur) {
				// unpaired leaf promoted unchanged: no op emitted at this level.
				idx = idx / 2
				continue
			}
			seg = append(seg, calcore.ProofOp{R: cur[idx+1]})
		} else {
			seg = append(seg, calcore.ProofOp{L: cur[idx-1]})
		}
		seg = append(seg, calcore.ProofOp{Op: t.opName})
		idx = idx / 2
	}
	return seg
}

// Replay applies a ProofSegment to a starting leaf value and returns the resulting
// accumulator hash. Per §3: read left to right, apply `l`/`r` by concatenating
// directly to the current accumulator, then apply the following `op`. Any number of
// `l`/`r` ops may precede a given `op` — e.g. the Calendar Writer's block-head
// extension emits `{l:head},{r:prevHash},{op}` to bind two siblings before hashing —
// so `l`/`r` fold into the accumulator immediately rather than waiting in a
// single-slot buffer that only the most recent sibling would occupy.
func Replay(leaf calcore.S256Hash, seg calcore.ProofSegment) (calcore.S256Hash, error) {
	acc, err := hex.DecodeString(leaf)
	if err != nil {
		return "", err
	}
	haveSibling := false
	for _, op := range seg {
		switch {
		case op.L != "":
			acc = append(append([]byte(nil), hexOrLiteral(op.L)...), acc...)
			haveSibling = true
		case op.R != "":
			acc = append(append([]byte(nil), acc...), hexOrLiteral(op.R)...)
			haveSibling = true
		case op.Op != "":
			if !haveSibling {
				return "", errNoPendingSibling
			}
			switch op.Op {
			case calcore.OpSHA256:
				acc = mustDecode(SHA256(acc))
			case calcore.OpSHA256x2:
				acc = mustDecode(SHA256x2(acc))
			default:
				return "", errUnknownOp
			}
			haveSibling = false
		}
	}
	return hex.EncodeToString(acc), nil
}

func mustDecode(h calcore.S256Hash) []byte {
	b, _ := hex.DecodeString(h)
	return b
}

// hexOrLiteral decodes s as hex when possible, and falls back to its raw UTF-8 bytes
// otherwise. This mirrors the hex-if-hex-else-utf8 rule §3 uses for block `dataVal`,
// which is also how a Proof Segment's `{l:"id:time:version:stackId:type:dataId"}`
// extension op (§4.7) carries a literal ASCII block-head string rather than a hash.
func hexOrLiteral(s string) []byte {
	if b, err := hex.DecodeString(s); err == nil {
		return b
	}
	return []byte(s)
}
