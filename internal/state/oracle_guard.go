package state

import (
	"IndexVault/internal/event"
	fpmath "IndexVault/internal/math"
	"sort"

	"github.com/holiman/uint256"
)

// OracleGuard is the per-asset deviation circuit breaker. It remembers the
// last oracle price each rebalance recorded.
type OracleGuard struct {
	deviationBps uint64 // 0 disables
	last         map[string]uint64
}

func NewOracleGuard(deviationBps uint64) *OracleGuard {
	return &OracleGuard{deviationBps: deviationBps, last: make(map[string]uint64)}
}

// DeviationBps returns |px - last| * 10000 / last, floored.
func DeviationBps(last, px uint64) uint64 {
	if last == 0 {
		return 0
	}
	diff := px - last
	if px < last {
		diff = last - px
	}
	d, _ := new(uint256.Int).MulDivOverflow(uint256.NewInt(diff), uint256.NewInt(fpmath.BpsDenominator), uint256.NewInt(last))
	if !d.IsUint64() {
		return ^uint64(0)
	}
	return d.Uint64()
}

// Check trips when |px - last| * 10000 > last * deviationBps. An asset with
// no recorded price never trips.
func (g *OracleGuard) Check(asset string, px1e8 uint64) error {
	if g.deviationBps == 0 {
		return nil
	}
	last, ok := g.last[asset]
	if !ok || last == 0 {
		return nil
	}

	diff := px1e8 - last
	if px1e8 < last {
		diff = last - px1e8
	}
	lhs := new(uint256.Int).Mul(uint256.NewInt(diff), uint256.NewInt(fpmath.BpsDenominator))
	rhs := new(uint256.Int).Mul(uint256.NewInt(last), uint256.NewInt(g.deviationBps))
	if lhs.Gt(rhs) {
		return &event.OracleDeviationError{
			Asset:        asset,
			LastPx1e8:    last,
			CurrentPx1e8: px1e8,
			DeviationBps: DeviationBps(last, px1e8),
			MaxBps:       g.deviationBps,
		}
	}
	return nil
}

// CheckReadings checks every reading and returns the first trip in order.
func (g *OracleGuard) CheckReadings(readings []AssetReading) error {
	for _, r := range readings {
		if err := g.Check(r.Asset.Name, r.OraclePx1e8); err != nil {
			return err
		}
	}
	return nil
}

func (g *OracleGuard) Record(asset string, px1e8 uint64) {
	g.last[asset] = px1e8
}

func (g *OracleGuard) RecordReadings(readings []AssetReading) {
	for _, r := range readings {
		g.Record(r.Asset.Name, r.OraclePx1e8)
	}
}

func (g *OracleGuard) Last(asset string) (uint64, bool) {
	px, ok := g.last[asset]
	return px, ok
}

// SetDeviationBps applies a parameter update.
func (g *OracleGuard) SetDeviationBps(bps uint64) { g.deviationBps = bps }

func (g *OracleGuard) Snapshot() map[string]uint64 {
	out := make(map[string]uint64, len(g.last))
	for k, v := range g.last {
		out[k] = v
	}
	return out
}

func (g *OracleGuard) Restore(last map[string]uint64) {
	g.last = make(map[string]uint64, len(last))
	for k, v := range last {
		g.last[k] = v
	}
}

func (g *OracleGuard) Clone() *OracleGuard {
	return &OracleGuard{deviationBps: g.deviationBps, last: g.Snapshot()}
}

// CanonicalBytes for deterministic hashing (sorted by asset)
func (g *OracleGuard) CanonicalBytes() []byte {
	assets := make([]string, 0, len(g.last))
	for a := range g.last {
		assets = append(assets, a)
	}
	sort.Strings(assets)

	buf := appendUint64LE(nil, uint64(len(assets)))
	for _, a := range assets {
		buf = appendString(buf, a)
		buf = appendUint64LE(buf, g.last[a])
	}
	return buf
}
