package calcore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Sha256Hex hashes b and returns the lowercase hex digest, matching `mindmachine.Sha256`.
func Sha256Hex(b []byte) S256Hash {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}

// Sha256x2Hex double-hashes b, matching the `sha-256-x2` proof operation from §3.
func Sha256x2Hex(b []byte) S256Hash {
	first := sha256.Sum256(b)
	second := sha256.Sum256(first[:])
	return hex.EncodeToString(second[:])
}

// bytesFromHexOrUTF8 mirrors the `hex-if-hex-else-utf8` rule §3 uses for `dataVal`
// when it is folded into a block's hash: try to decode as hex first, and fall back to
// the raw UTF-8 bytes if that fails or the string is empty.
func bytesFromHexOrUTF8(s string) []byte {
	if s == "" {
		return nil
	}
	if b, err := hex.DecodeString(s); err == nil {
		return b
	}
	return []byte(s)
}

// BlockHash computes the hash construction from §3:
//
//	SHA-256( utf8("id:time:version:stackId:type:dataId") || bytes(dataVal) || bytes(prevHash, hex) )
func BlockHash(b Block) S256Hash {
	head := fmt.Sprintf("%d:%d:%d:%s:%s:%s", b.ID, b.Time, b.Version, b.StackID, b.Type, b.DataID)
	buf := make([]byte, 0, len(head)+len(b.DataVal)/2+32)
	buf = append(buf, []byte(head)...)
	buf = append(buf, bytesFromHexOrUTF8(b.DataVal)...)
	prevBytes, err := hex.DecodeString(b.PrevHash)
	if err != nil {
		// PrevHash is always our own hex output or the genesis sentinel; a decode
		// failure here means a caller built a malformed Block.
		prevBytes = []byte(b.PrevHash)
	}
	buf = append(buf, prevBytes...)
	return Sha256Hex(buf)
}
