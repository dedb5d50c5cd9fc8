package core

import (
	"crypto/sha256"
	"encoding/binary"

	"CDPLedger/internal/event"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

const GenesisHashSeed = "CDPLedger:genesis:v1"

// StateHasher computes deterministic state hashes
type StateHasher struct {
	prevHash [32]byte
}

// NewStateHasher initializes with genesis hash
func NewStateHasher() *StateHasher {
	return &StateHasher{
		prevHash: GenesisHash(),
	}
}

func GenesisHash() [32]byte {
	return sha256.Sum256([]byte(GenesisHashSeed))
}

// ComputeHash calculates state_hash[N] = SHA-256(prev_hash || sequence || state_digest)
// and advances the chain tip.
func (h *StateHasher) ComputeHash(sequence int64, stateDigest []byte) [32]byte {
	hash := ChainHash(h.prevHash, sequence, stateDigest)
	h.prevHash = hash
	return hash
}

// ChainHash is ComputeHash without state.
func ChainHash(prevHash [32]byte, sequence int64, stateDigest []byte) [32]byte {
	hasher := sha256.New()

	hasher.Write(prevHash[:])

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(sequence))
	hasher.Write(seqBuf[:])

	hasher.Write(stateDigest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	return hash
}

// GetPrevHash returns current chain tip
func (h *StateHasher) GetPrevHash() [32]byte {
	return h.prevHash
}

// SetPrevHash moves the chain tip, used when restoring from a snapshot.
func (h *StateHasher) SetPrevHash(hash [32]byte) {
	h.prevHash = hash
}

// StateDigest is the canonical byte form of a transition's post-state:
// positions in the given order, each followed by its collateral sorted by
// asset, then token balances in the given order. Amounts are 32-byte big
// endian.
func StateDigest(positions []event.PositionState, balances []event.TokenBalance) []byte {
	digest := make([]byte, 0, len(positions)*128+len(balances)*72)
	for _, p := range positions {
		digest = append(digest, p.User.Bytes()...)
		assets := make([]common.Address, 0, len(p.Collateral))
		for a := range p.Collateral {
			assets = append(assets, a)
		}
		sortAddresses(assets)
		digest = append(digest, byte(len(assets)))
		for _, a := range assets {
			digest = append(digest, a.Bytes()...)
			digest = appendUint256(digest, p.Collateral[a])
		}
		digest = appendUint256(digest, p.Debt)
	}
	for _, b := range balances {
		digest = append(digest, b.Token.Bytes()...)
		digest = append(digest, b.Account.Bytes()...)
		digest = appendUint256(digest, b.Balance)
	}
	return digest
}

func appendUint256(buf []byte, v *uint256.Int) []byte {
	if v == nil {
		v = new(uint256.Int)
	}
	b := v.Bytes32()
	return append(buf, b[:]...)
}
