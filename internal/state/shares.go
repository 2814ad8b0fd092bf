package state

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/holiman/uint256"
)

var ErrInsufficientShares = errors.New("insufficient shares")

// ShareLedger tracks vault shares (1e18 precision) per holder.
type ShareLedger struct {
	balances map[string]*uint256.Int
	total    *uint256.Int
}

func NewShareLedger() *ShareLedger {
	return &ShareLedger{balances: make(map[string]*uint256.Int), total: new(uint256.Int)}
}

func (l *ShareLedger) Mint(holder string, amount *uint256.Int) {
	bal, ok := l.balances[holder]
	if !ok {
		bal = new(uint256.Int)
		l.balances[holder] = bal
	}
	bal.Add(bal, amount)
	l.total.Add(l.total, amount)
}

func (l *ShareLedger) Burn(holder string, amount *uint256.Int) error {
	bal, ok := l.balances[holder]
	if !ok || bal.Lt(amount) {
		have := "0"
		if ok {
			have = bal.Dec()
		}
		return fmt.Errorf("%w: %s holds %s, burning %s", ErrInsufficientShares, holder, have, amount.Dec())
	}
	bal.Sub(bal, amount)
	if bal.IsZero() {
		delete(l.balances, holder)
	}
	if l.total.Lt(amount) {
		panic(fmt.Sprintf("FATAL: share total %s below burn %s", l.total.Dec(), amount.Dec()))
	}
	l.total.Sub(l.total, amount)
	return nil
}

func (l *ShareLedger) BalanceOf(holder string) *uint256.Int {
	if bal, ok := l.balances[holder]; ok {
		return bal.Clone()
	}
	return new(uint256.Int)
}

func (l *ShareLedger) Total() *uint256.Int { return l.total.Clone() }

// Balances returns a copy keyed by holder.
func (l *ShareLedger) Balances() map[string]*uint256.Int {
	out := make(map[string]*uint256.Int, len(l.balances))
	for h, b := range l.balances {
		out[h] = b.Clone()
	}
	return out
}

// RestoreShareLedger rebuilds a ledger from a snapshot; the total is derived.
func RestoreShareLedger(balances map[string]*uint256.Int) *ShareLedger {
	l := NewShareLedger()
	for h, b := range balances {
		if !b.IsZero() {
			l.Mint(h, b)
		}
	}
	return l
}

func (l *ShareLedger) Clone() *ShareLedger {
	return &ShareLedger{balances: l.Balances(), total: l.total.Clone()}
}

// CanonicalBytes for deterministic hashing (sorted by holder)
func (l *ShareLedger) CanonicalBytes() []byte {
	holders := make([]string, 0, len(l.balances))
	for h := range l.balances {
		holders = append(holders, h)
	}
	sort.Strings(holders)

	buf := appendUint256(nil, l.total)
	for _, h := range holders {
		buf = appendString(buf, h)
		buf = appendUint256(buf, l.balances[h])
	}
	return buf
}

func appendUint64LE(buf []byte, v uint64) []byte {
	return binary.LittleEndian.AppendUint64(buf, v)
}

// appendUint256 writes 32 bytes big-endian.
func appendUint256(buf []byte, v *uint256.Int) []byte {
	b := v.Bytes32()
	return append(buf, b[:]...)
}

// appendString writes a 2-byte length prefix and the bytes.
func appendString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}
