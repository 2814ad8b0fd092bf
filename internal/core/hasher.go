package core

import (
	"crypto/sha256"
	"encoding/binary"
)

const GenesisHashSeed = "IndexVault:genesis:v1"

// StateHasher chains state hashes across emitted events
type StateHasher struct {
	prevHash [32]byte
}

// NewStateHasher initializes with genesis hash
func NewStateHasher() *StateHasher {
	return &StateHasher{
		prevHash: GenesisHash(),
	}
}

// GenesisHash is the chain tip before the first event.
func GenesisHash() [32]byte {
	return sha256.Sum256([]byte(GenesisHashSeed))
}

// ComputeHash calculates state_hash[N] = SHA-256(prev_hash || sequence || state_digest)
// and advances the tip.
func (h *StateHasher) ComputeHash(sequence int64, stateDigest []byte) [32]byte {
	hasher := sha256.New()
	hasher.Write(h.prevHash[:])

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(sequence))
	hasher.Write(seqBuf[:])

	hasher.Write(stateDigest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	h.prevHash = hash
	return hash
}

// GetPrevHash returns current chain tip
func (h *StateHasher) GetPrevHash() [32]byte {
	return h.prevHash
}

// SetPrevHash resumes the chain from a restored tip.
func (h *StateHasher) SetPrevHash(tip [32]byte) {
	h.prevHash = tip
}

// VerifyLink reports whether hash follows prev for the given sequence and digest.
func VerifyLink(prev [32]byte, sequence int64, stateDigest []byte, hash [32]byte) bool {
	h := &StateHasher{prevHash: prev}
	return h.ComputeHash(sequence, stateDigest) == hash
}
