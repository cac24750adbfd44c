package protocol

import (
	"fmt"
	"strings"
	"time"

	nmea "github.com/adrianmo/go-nmea"
)

const knotsToMS = 0.514444

// NMEAAssembler folds NMEA sentences into TPV reports. GGA and GSA update the fix state and
// each RMC emits one TPV.
type NMEAAssembler struct {
	Device string

	gsaMode int
	alt     *float64
}

// Apply consumes one sentence. It returns a TPV when the sentence completes a report.
func (a *NMEAAssembler) Apply(line string) (TPV, bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return TPV{}, false, nil
	}
	s, err := nmea.Parse(line)
	if err != nil {
		return TPV{}, false, fmt.Errorf("nmea: %w", err)
	}

	switch s.DataType() {
	case nmea.TypeGSA:
		m := s.(nmea.GSA)
		switch m.FixType {
		case nmea.Fix3D:
			a.gsaMode = Mode3D
		case nmea.Fix2D:
			a.gsaMode = Mode2D
		default:
			a.gsaMode = ModeNoFix
		}
		return TPV{}, false, nil
	case nmea.TypeGGA:
		m := s.(nmea.GGA)
		if m.FixQuality == "" || m.FixQuality == nmea.Invalid {
			a.alt = nil
		} else {
			alt := m.Altitude
			a.alt = &alt
		}
		return TPV{}, false, nil
	case nmea.TypeRMC:
		return a.fromRMC(s.(nmea.RMC)), true, nil
	default:
		return TPV{}, false, nil
	}
}

func (a *NMEAAssembler) fromRMC(m nmea.RMC) TPV {
	tpv := TPV{Class: ClassTPV, Device: a.Device, Mode: ModeNoFix, Time: rmcTime(m)}
	if m.Validity != nmea.ValidRMC {
		return tpv
	}

	switch {
	case a.gsaMode >= Mode2D:
		tpv.Mode = a.gsaMode
	case a.alt != nil:
		tpv.Mode = Mode3D
	default:
		tpv.Mode = Mode2D
	}
	lat, lon := m.Latitude, m.Longitude
	tpv.Lat, tpv.Lon = &lat, &lon
	speed := m.Speed * knotsToMS
	tpv.Speed = &speed
	track := m.Course
	tpv.Track = &track
	if tpv.Mode == Mode3D && a.alt != nil {
		alt := *a.alt
		tpv.Alt = &alt
	}
	return tpv
}

func rmcTime(m nmea.RMC) string {
	if !m.Date.Valid || !m.Time.Valid {
		return ""
	}
	year := 2000 + m.Date.YY
	if m.Date.YY >= 80 {
		year = 1900 + m.Date.YY
	}
	t := time.Date(year, time.Month(m.Date.MM), m.Date.DD,
		m.Time.Hour, m.Time.Minute, m.Time.Second, m.Time.Millisecond*int(time.Millisecond), time.UTC)
	return t.Format("2006-01-02T15:04:05.000Z")
}
