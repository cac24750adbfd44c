// Package notify delivers accepted position changes to secondary consumers such as MQTT brokers
// and live web subscribers.
package notify

import (
	"pwn-gpsd/internal/protocol"
)

// Notifier is told about every position the proxy propagates. Implementations must not block.
type Notifier interface {
	PositionChanged(tpv protocol.TPV)
}

// Func adapts a plain function to Notifier.
type Func func(tpv protocol.TPV)

func (f Func) PositionChanged(tpv protocol.TPV) { f(tpv) }

// Multi fans a change out to several notifiers in order. Nil entries are skipped.
type Multi []Notifier

func (m Multi) PositionChanged(tpv protocol.TPV) {
	for _, n := range m {
		if n != nil {
			n.PositionChanged(tpv)
		}
	}
}

// Position is the compact JSON document published for each change.
type Position struct {
	Lat    float64  `json:"lat"`
	Lon    float64  `json:"lon"`
	Alt    *float64 `json:"alt,omitempty"`
	Mode   int      `json:"mode"`
	Time   string   `json:"time,omitempty"`
	Speed  *float64 `json:"speed,omitempty"`
	Track  *float64 `json:"track,omitempty"`
	Source string   `json:"source"`
	Peers  int      `json:"peers,omitempty"`
}

// PositionOf flattens a TPV that carries a position.
func PositionOf(tpv protocol.TPV) (Position, bool) {
	if !tpv.HasPosition() {
		return Position{}, false
	}
	p := Position{
		Lat:    *tpv.Lat,
		Lon:    *tpv.Lon,
		Mode:   tpv.Mode,
		Time:   tpv.Time,
		Speed:  tpv.Speed,
		Track:  tpv.Track,
		Source: "direct",
	}
	if alt, ok := tpv.Altitude(); ok {
		p.Alt = &alt
	}
	if tpv.FromPeers() {
		p.Source = "peers"
		if tpv.UndividedCount != nil {
			p.Peers = tpv.UndividedCount.Count
		}
	}
	return p, true
}
