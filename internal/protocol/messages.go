package protocol

import (
	"encoding/json"
	"fmt"
)

// Class is the gpsd `class` discriminator.
type Class string

const (
	ClassVersion Class = "VERSION"
	ClassWatch   Class = "WATCH"
	ClassDevices Class = "DEVICES"
	ClassDevice  Class = "DEVICE"
	ClassTPV     Class = "TPV"
	ClassSKY     Class = "SKY"
	ClassPPS     Class = "PPS"
	ClassPoll    Class = "POLL"
)

// Fix modes reported in TPV.mode.
const (
	ModeUnknown = 0
	ModeNoFix   = 1
	Mode2D      = 2
	Mode3D      = 3
)

// Message is one decoded protocol object. The set of implementations is closed.
type Message interface {
	Kind() Class
	sealed()
}

type Version struct {
	Class      Class  `json:"class"`
	Release    string `json:"release,omitempty"`
	Rev        string `json:"rev,omitempty"`
	ProtoMajor int    `json:"proto_major"`
	ProtoMinor int    `json:"proto_minor"`
}

// Watch is both the upstream WATCH report and the argument of a client ?WATCH command.
// Nil fields were not present on the wire.
type Watch struct {
	Class  Class  `json:"class,omitempty"`
	Enable *bool  `json:"enable,omitempty"`
	JSON   *bool  `json:"json,omitempty"`
	NMEA   *bool  `json:"nmea,omitempty"`
	Raw    *int   `json:"raw,omitempty"`
	Scaled *bool  `json:"scaled,omitempty"`
	Device string `json:"device,omitempty"`
}

// Enabled reports whether the watch asks for streaming.
func (w Watch) Enabled() bool { return w.Enable != nil && *w.Enable }

type Device struct {
	Class     Class  `json:"class,omitempty"`
	Path      string `json:"path,omitempty"`
	Driver    string `json:"driver,omitempty"`
	Subtype   string `json:"subtype,omitempty"`
	Activated string `json:"activated,omitempty"`
	Bps       *int   `json:"bps,omitempty"`
}

type Devices struct {
	Class   Class    `json:"class"`
	Devices []Device `json:"devices"`
}

// TPV is a time-position-velocity report. Name, Identity, RSSI and UndividedCount are only
// set on positions derived from mesh peers.
type TPV struct {
	Class  Class    `json:"class"`
	Device string   `json:"device,omitempty"`
	Mode   int      `json:"mode"`
	Time   string   `json:"time,omitempty"`
	Ept    *float64 `json:"ept,omitempty"`
	Lat    *float64 `json:"lat,omitempty"`
	Lon    *float64 `json:"lon,omitempty"`
	Alt    *float64 `json:"alt,omitempty"`
	AltHAE *float64 `json:"altHAE,omitempty"`
	AltMSL *float64 `json:"altMSL,omitempty"`
	Epx    *float64 `json:"epx,omitempty"`
	Epy    *float64 `json:"epy,omitempty"`
	Eph    *float64 `json:"eph,omitempty"`
	Epv    *float64 `json:"epv,omitempty"`
	Track  *float64 `json:"track,omitempty"`
	Speed  *float64 `json:"speed,omitempty"`
	Climb  *float64 `json:"climb,omitempty"`

	Name           string      `json:"name,omitempty"`
	Identity       string      `json:"identity,omitempty"`
	RSSI           *float64    `json:"rssi,omitempty"`
	UndividedCount *Provenance `json:"undivided_count,omitempty"`
}

// HasPosition reports whether both lat and lon are present.
func (t TPV) HasPosition() bool { return t.Lat != nil && t.Lon != nil }

// Altitude returns alt, falling back to altMSL then altHAE.
func (t TPV) Altitude() (float64, bool) {
	for _, v := range []*float64{t.Alt, t.AltMSL, t.AltHAE} {
		if v != nil {
			return *v, true
		}
	}
	return 0, false
}

// FromPeers reports whether the position was produced by peer fusion.
func (t TPV) FromPeers() bool { return t.UndividedCount != nil || t.Identity != "" }

// Provenance records how a fused position was built. It is encoded as [count, weight].
type Provenance struct {
	Count  int
	Weight float64
}

func (p Provenance) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{float64(p.Count), p.Weight})
}

func (p *Provenance) UnmarshalJSON(b []byte) error {
	var arr []float64
	if err := json.Unmarshal(b, &arr); err != nil {
		return fmt.Errorf("undivided_count: %w", err)
	}
	if len(arr) != 2 {
		return fmt.Errorf("undivided_count: want 2 elements, got %d", len(arr))
	}
	p.Count = int(arr[0])
	p.Weight = arr[1]
	return nil
}

type Satellite struct {
	PRN  int      `json:"PRN"`
	El   *float64 `json:"el,omitempty"`
	Az   *float64 `json:"az,omitempty"`
	SS   *float64 `json:"ss,omitempty"`
	Used bool     `json:"used"`
}

type SKY struct {
	Class      Class       `json:"class"`
	Device     string      `json:"device,omitempty"`
	Time       string      `json:"time,omitempty"`
	NSat       *int        `json:"nSat,omitempty"`
	USat       *int        `json:"uSat,omitempty"`
	HDOP       *float64    `json:"hdop,omitempty"`
	Satellites []Satellite `json:"satellites,omitempty"`
}

// UsedCount prefers uSat and falls back to counting used satellites.
func (s SKY) UsedCount() int {
	if s.USat != nil {
		return *s.USat
	}
	n := 0
	for _, sat := range s.Satellites {
		if sat.Used {
			n++
		}
	}
	return n
}

type PPS struct {
	Class     Class  `json:"class"`
	Device    string `json:"device,omitempty"`
	RealSec   int64  `json:"real_sec"`
	RealNsec  int64  `json:"real_nsec"`
	ClockSec  int64  `json:"clock_sec"`
	ClockNsec int64  `json:"clock_nsec"`
	Precision int    `json:"precision"`
}

// Poll is the reply to ?POLL. TPV and SKY carry cached raw objects.
type Poll struct {
	Class  Class             `json:"class"`
	Time   string            `json:"time"`
	Active int               `json:"active"`
	TPV    []json.RawMessage `json:"tpv,omitempty"`
	SKY    []json.RawMessage `json:"sky,omitempty"`
}

func (Version) Kind() Class { return ClassVersion }
func (Watch) Kind() Class   { return ClassWatch }
func (Devices) Kind() Class { return ClassDevices }
func (Device) Kind() Class  { return ClassDevice }
func (TPV) Kind() Class     { return ClassTPV }
func (SKY) Kind() Class     { return ClassSKY }
func (PPS) Kind() Class     { return ClassPPS }
func (Poll) Kind() Class    { return ClassPoll }

func (Version) sealed() {}
func (Watch) sealed()   {}
func (Devices) sealed() {}
func (Device) sealed()  {}
func (TPV) sealed()     {}
func (SKY) sealed()     {}
func (PPS) sealed()     {}
func (Poll) sealed()    {}
