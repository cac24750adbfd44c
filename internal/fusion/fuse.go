// Package fusion estimates a position from the positions advertised by nearby mesh peers.
package fusion

import (
	"math"
	"time"

	"pwn-gpsd/internal/archive"
	"pwn-gpsd/internal/protocol"
)

// absentRSSI is assumed for peers that report no signal strength; it weighs zero.
const absentRSSI = -200.0

// DefaultDowngradeWindow is how long an archived fix is protected from lower-mode fused fixes.
const DefaultDowngradeWindow = 5 * time.Minute

// Peer is one decrypted peer position.
type Peer struct {
	ID   string
	Name string
	RSSI *float64
	TPV  protocol.TPV
}

// Weight maps signal strength to a fusion weight: max(0, 100 + min(rssi, -2)/2).
func Weight(rssi *float64) float64 {
	r := absentRSSI
	if rssi != nil {
		r = *rssi
	}
	return math.Max(0, 100+math.Min(r, -2)/2)
}

// Fuse returns the RSSI-weighted mean of all peers with a 2D or 3D fix. It reports false when
// no peer qualifies.
func Fuse(peers []Peer) (protocol.TPV, bool) {
	var (
		n                     int
		sumW, sumLat, sumLon  float64
		sumRSSI, sumAlt, altW float64
		mode                  int
		ts                    string
		best                  *Peer
		bestW                 float64
	)
	for i := range peers {
		p := &peers[i]
		if p.TPV.Mode <= protocol.ModeNoFix || !p.TPV.HasPosition() {
			continue
		}
		w := Weight(p.RSSI)
		if w <= 0 {
			continue
		}
		n++
		sumW += w
		sumLat += *p.TPV.Lat * w
		sumLon += *p.TPV.Lon * w
		sumRSSI += *p.RSSI * w
		if alt, ok := p.TPV.Altitude(); ok {
			sumAlt += alt * w
			altW += w
		}
		mode = max(mode, p.TPV.Mode)
		ts = max(ts, p.TPV.Time)
		if best == nil || w > bestW {
			best, bestW = p, w
		}
	}
	if n == 0 {
		return protocol.TPV{}, false
	}

	lat, lon, rssi := sumLat/sumW, sumLon/sumW, sumRSSI/sumW
	out := protocol.TPV{
		Class:          protocol.ClassTPV,
		Device:         "peers",
		Mode:           mode,
		Time:           ts,
		Lat:            &lat,
		Lon:            &lon,
		RSSI:           &rssi,
		Name:           best.Name,
		Identity:       best.ID,
		UndividedCount: &protocol.Provenance{Count: n, Weight: sumW},
	}
	if altW > 0 {
		alt := sumAlt / altW
		out.Alt = &alt
	}
	return out, true
}

// Accept reports whether a fused fix may replace the archived TPV. Lower-mode fixes are only
// accepted once the archived one is older than window.
func Accept(current *archive.Entry, fused protocol.TPV, now time.Time, window time.Duration) bool {
	cur, ok := current.TPV()
	if !ok {
		return true
	}
	if fused.Mode >= cur.Mode {
		return true
	}
	return now.Sub(current.At) > window
}
