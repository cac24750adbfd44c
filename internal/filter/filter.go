// Package filter decides whether a new sample differs enough from the last propagated one
// to be sent to clients.
package filter

import (
	"math"
	"time"

	"pwn-gpsd/internal/archive"
	"pwn-gpsd/internal/protocol"
)

type Config struct {
	// MinPeriod is the debounce between two propagated position changes.
	MinPeriod time.Duration
	// Heartbeat forces a propagation once this long has passed without one.
	Heartbeat time.Duration
	// Decimals is the lat/lon precision used for change detection.
	Decimals int
	// AltPrecision is the altitude change in meters that counts as movement. Zero disables it.
	AltPrecision float64
}

func DefaultConfig() Config {
	return Config{
		MinPeriod:    10 * time.Second,
		Heartbeat:    60 * time.Second,
		Decimals:     5,
		AltPrecision: 1,
	}
}

type Reason int

const (
	ReasonFirst Reason = iota
	ReasonHeartbeat
	ReasonUnchanged
	ReasonIncomplete
	ReasonUpgrade
	ReasonMoved
	ReasonClimbed
	ReasonElapsed
	ReasonDebounced
)

func (r Reason) String() string {
	switch r {
	case ReasonFirst:
		return "first"
	case ReasonHeartbeat:
		return "heartbeat"
	case ReasonUnchanged:
		return "unchanged"
	case ReasonIncomplete:
		return "incomplete"
	case ReasonUpgrade:
		return "upgrade"
	case ReasonMoved:
		return "moved"
	case ReasonClimbed:
		return "climbed"
	case ReasonElapsed:
		return "elapsed"
	case ReasonDebounced:
		return "debounced"
	default:
		return "unknown"
	}
}

type Decision struct {
	Propagate bool
	Reason    Reason
}

func propagate(r Reason) Decision { return Decision{Propagate: true, Reason: r} }
func hold(r Reason) Decision      { return Decision{Reason: r} }

type Filter struct {
	cfg Config
}

func New(cfg Config) *Filter { return &Filter{cfg: cfg} }

func (f *Filter) Config() Config { return f.cfg }

// ShouldPropagate compares cand against last, the last propagated entry of the same class.
// Non-TPV classes are only rate limited to one per MinPeriod.
func (f *Filter) ShouldPropagate(last *archive.Entry, cand archive.Entry, now time.Time) Decision {
	if last == nil {
		return propagate(ReasonFirst)
	}
	elapsed := now.Sub(last.At)
	// The heartbeat also releases an incomplete sample, so a receiver that lost altitude
	// for good is still heard once per heartbeat.
	if f.cfg.Heartbeat > 0 && elapsed >= f.cfg.Heartbeat {
		return propagate(ReasonHeartbeat)
	}
	if protocol.SameExceptTime(last.Raw, cand.Raw) {
		return hold(ReasonUnchanged)
	}
	debounced := elapsed < f.cfg.MinPeriod

	next, ok := cand.TPV()
	if !ok {
		if debounced {
			return hold(ReasonDebounced)
		}
		return propagate(ReasonElapsed)
	}
	prev, _ := last.TPV()

	_, prevHasAlt := prev.Altitude()
	nextAlt, nextHasAlt := next.Altitude()
	if next.Mode == protocol.Mode3D && !nextHasAlt && prevHasAlt {
		return hold(ReasonIncomplete)
	}
	if next.Mode > prev.Mode {
		return propagate(ReasonUpgrade)
	}
	if debounced {
		return hold(ReasonDebounced)
	}
	if next.Mode > protocol.ModeNoFix && f.moved(prev, next) {
		return propagate(ReasonMoved)
	}
	if f.cfg.AltPrecision > 0 && next.Mode == protocol.Mode3D && nextHasAlt && prevHasAlt {
		prevAlt, _ := prev.Altitude()
		if math.Abs(nextAlt-prevAlt) >= f.cfg.AltPrecision {
			return propagate(ReasonClimbed)
		}
	}
	return hold(ReasonDebounced)
}

func (f *Filter) moved(prev, next protocol.TPV) bool {
	if prev.HasPosition() != next.HasPosition() {
		return true
	}
	if !next.HasPosition() {
		return false
	}
	d := f.cfg.Decimals
	return protocol.Quantize(*prev.Lat, d) != protocol.Quantize(*next.Lat, d) ||
		protocol.Quantize(*prev.Lon, d) != protocol.Quantize(*next.Lon, d)
}
