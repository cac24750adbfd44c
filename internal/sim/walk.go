// Package sim produces a synthetic receiver: a deterministic walk served over the gpsd
// protocol, for bench testing clients without a GPS attached.
package sim

import (
	"math"
	"time"

	"pwn-gpsd/internal/protocol"
)

const metersPerDegLat = 111_320.0

// Walk is a figure-eight around a center point.
type Walk struct {
	CenterLat float64
	CenterLon float64
	// AltMeters is the mean altitude. The walk climbs and descends AltSwing around it.
	AltMeters float64
	AltSwing  float64
	RadiusM   float64
	Period    time.Duration
	Device    string
}

func (w Walk) period() time.Duration {
	if w.Period <= 0 {
		return 10 * time.Minute
	}
	return w.Period
}

func (w Walk) radius() float64 {
	if w.RadiusM <= 0 {
		return 200
	}
	return w.RadiusM
}

// Position returns the deterministic position and course at now.
//
//	x = cos(2πt)       east-west
//	y = 0.5*sin(4πt)   north-south
func (w Walk) Position(now time.Time) (lat, lon, trackDeg float64) {
	p := w.period()
	phase := float64(now.UnixNano()%p.Nanoseconds()) / float64(p.Nanoseconds())
	a := 2 * math.Pi * phase

	radiusDeg := w.radius() / metersPerDegLat
	x := math.Cos(a)
	y := 0.5 * math.Sin(2*a)
	lat = w.CenterLat + radiusDeg*y
	lon = w.CenterLon + (radiusDeg*x)/math.Cos(w.CenterLat*math.Pi/180.0)

	// Course from the instantaneous velocity, atan2(east, north).
	vx := -2 * math.Pi * math.Sin(a)
	vy := 2 * math.Pi * math.Cos(2*a)
	trackDeg = math.Mod(math.Atan2(vx, vy)*180/math.Pi+360, 360)
	return lat, lon, trackDeg
}

// Altitude is a sinusoid with half the horizontal period, and climb is its derivative in m/s.
func (w Walk) Altitude(now time.Time) (alt, climb float64) {
	vp := w.period() / 2
	phase := float64(now.UnixNano()%vp.Nanoseconds()) / float64(vp.Nanoseconds())
	a := 2 * math.Pi * phase
	alt = w.AltMeters + w.AltSwing*math.Sin(a)
	climb = w.AltSwing * (2 * math.Pi / vp.Seconds()) * math.Cos(a)
	return alt, climb
}

// Speed is the mean ground speed in m/s, from the figure-eight path length.
func (w Walk) Speed() float64 {
	// Perimeter of x=cos(a), y=0.5 sin(2a) for unit radius, numerically ~6.097.
	const unitPath = 6.097
	return unitPath * w.radius() / w.period().Seconds()
}

// TPV is the 3D fix at now.
func (w Walk) TPV(now time.Time) protocol.TPV {
	lat, lon, trk := w.Position(now)
	alt, climb := w.Altitude(now)
	speed := w.Speed()
	eph := 5.0
	return protocol.TPV{
		Class:  protocol.ClassTPV,
		Device: w.Device,
		Mode:   protocol.Mode3D,
		Time:   now.UTC().Format("2006-01-02T15:04:05.000Z"),
		Lat:    &lat,
		Lon:    &lon,
		Alt:    &alt,
		Track:  &trk,
		Speed:  &speed,
		Climb:  &climb,
		Eph:    &eph,
	}
}
