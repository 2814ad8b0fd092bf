package state

import (
	"IndexVault/internal/event"

	"github.com/holiman/uint256"
)

// EpochCounter caps USD 1e18 notional crossing the custody boundary per
// window of EpochLengthBlocks blocks.
type EpochCounter struct {
	EpochStartBlock   uint64
	EpochLengthBlocks uint64
	SentThisEpoch     *uint256.Int
	CapPerEpoch       *uint256.Int
}

func NewEpochCounter(lengthBlocks uint64, capPerEpoch *uint256.Int) *EpochCounter {
	return &EpochCounter{
		EpochLengthBlocks: lengthBlocks,
		SentThisEpoch:     new(uint256.Int),
		CapPerEpoch:       capPerEpoch.Clone(),
	}
}

// Roll starts a new epoch at currentBlock once the current one has elapsed.
// A block height below the epoch start never rolls.
func (c *EpochCounter) Roll(currentBlock uint64) {
	if currentBlock < c.EpochStartBlock {
		return
	}
	if currentBlock-c.EpochStartBlock >= c.EpochLengthBlocks {
		c.EpochStartBlock = currentBlock
		c.SentThisEpoch.Clear()
	}
}

// Consume rolls the epoch and records amount, or fails without changing
// SentThisEpoch when it would exceed the cap.
func (c *EpochCounter) Consume(currentBlock uint64, amount *uint256.Int) error {
	c.Roll(currentBlock)

	next, overflow := new(uint256.Int).AddOverflow(c.SentThisEpoch, amount)
	if overflow || next.Gt(c.CapPerEpoch) {
		return &event.RateLimitError{
			Requested:       amount.Clone(),
			Remaining:       c.Remaining(),
			EpochStartBlock: c.EpochStartBlock,
		}
	}
	c.SentThisEpoch = next
	return nil
}

// Remaining is the budget left in the current epoch, without rolling.
func (c *EpochCounter) Remaining() *uint256.Int {
	if c.SentThisEpoch.Gt(c.CapPerEpoch) {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(c.CapPerEpoch, c.SentThisEpoch)
}

func (c *EpochCounter) Clone() *EpochCounter {
	return &EpochCounter{
		EpochStartBlock:   c.EpochStartBlock,
		EpochLengthBlocks: c.EpochLengthBlocks,
		SentThisEpoch:     c.SentThisEpoch.Clone(),
		CapPerEpoch:       c.CapPerEpoch.Clone(),
	}
}

// CanonicalBytes for deterministic hashing
func (c *EpochCounter) CanonicalBytes() []byte {
	buf := make([]byte, 0, 80)
	buf = appendUint64LE(buf, c.EpochStartBlock)
	buf = appendUint64LE(buf, c.EpochLengthBlocks)
	buf = appendUint256(buf, c.SentThisEpoch)
	buf = appendUint256(buf, c.CapPerEpoch)
	return buf
}
