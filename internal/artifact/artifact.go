// Package artifact tells apart the two shapes a signed artifact can take:
// a transaction hash returned by a wallet that submitted the transaction
// itself, or a raw signed transaction that still has to be broadcast.
package artifact

import (
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"
)

// Kind is the detected shape of a signed artifact.
type Kind string

const (
	KindTxHash  Kind = "tx_hash"
	KindRawTx   Kind = "raw_tx"
	KindUnknown Kind = "unknown"
)

const hashHexLen = 64

// Classify inspects s by format alone.
func Classify(s string) Kind {
	body, ok := strip0x(s)
	if !ok || body == "" || !isHex(body) {
		return KindUnknown
	}
	switch {
	case len(body) == hashHexLen:
		return KindTxHash
	case len(body) > hashHexLen && len(body)%2 == 0:
		return KindRawTx
	}
	return KindUnknown
}

// TxHash returns the 0x-prefixed keccak256 hash that identifies a raw
// signed transaction once broadcast. For a tx hash artifact it returns the
// artifact itself.
func TxHash(s string) (string, error) {
	switch Classify(s) {
	case KindTxHash:
		return strings.ToLower(s), nil
	case KindRawTx:
		body, _ := strip0x(s)
		raw, err := hex.DecodeString(body)
		if err != nil {
			return "", fmt.Errorf("decoding raw transaction: %w", err)
		}
		h := sha3.NewLegacyKeccak256()
		h.Write(raw)
		return "0x" + hex.EncodeToString(h.Sum(nil)), nil
	}
	return "", fmt.Errorf("unrecognized artifact format")
}

// Describe returns the kind and, when derivable, the tx hash. It never fails.
func Describe(s string) (Kind, string) {
	kind := Classify(s)
	hash, err := TxHash(s)
	if err != nil {
		return kind, ""
	}
	return kind, hash
}

func strip0x(s string) (string, bool) {
	if len(s) < 2 || s[0] != '0' || (s[1] != 'x' && s[1] != 'X') {
		return "", false
	}
	return s[2:], true
}

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !('0' <= c && c <= '9' || 'a' <= c && c <= 'f' || 'A' <= c && c <= 'F') {
			return false
		}
	}
	return true
}
