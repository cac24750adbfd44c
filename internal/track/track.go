package track

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"
)

var ErrEmptyTrack = errors.New("track: no points")

type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Bounds is (minLon, minLat, maxLon, maxLat).
type Bounds struct {
	MinLon float64 `json:"min_lon"`
	MinLat float64 `json:"min_lat"`
	MaxLon float64 `json:"max_lon"`
	MaxLat float64 `json:"max_lat"`
}

// EmptyBounds is the identity for Extend and Union.
func EmptyBounds() Bounds {
	return Bounds{MinLon: math.Inf(1), MinLat: math.Inf(1), MaxLon: math.Inf(-1), MaxLat: math.Inf(-1)}
}

func (b Bounds) Empty() bool { return b.MinLon > b.MaxLon || b.MinLat > b.MaxLat }

func (b Bounds) Extend(p Point) Bounds {
	b.MinLon = math.Min(b.MinLon, p.Lon)
	b.MinLat = math.Min(b.MinLat, p.Lat)
	b.MaxLon = math.Max(b.MaxLon, p.Lon)
	b.MaxLat = math.Max(b.MaxLat, p.Lat)
	return b
}

func (b Bounds) Union(o Bounds) Bounds {
	if o.Empty() {
		return b
	}
	if b.Empty() {
		return o
	}
	return b.Extend(Point{Lat: o.MinLat, Lon: o.MinLon}).Extend(Point{Lat: o.MaxLat, Lon: o.MaxLon})
}

// Track is an in-memory copy of one track file.
type Track struct {
	Name   string  `json:"name"`
	Path   string  `json:"-"`
	Points []Point `json:"points"`
	Bounds Bounds  `json:"bounds"`
	// Last is the last parsed line.
	Last json.RawMessage `json:"last,omitempty"`
	// Skipped counts lines that could not be parsed on the last load.
	Skipped int `json:"skipped"`

	modTime  time.Time
	size     int64
	loadedAt time.Time
}

// Load reads a track file.
func Load(path string) (*Track, error) {
	t := &Track{Name: filepath.Base(path), Path: path}
	if _, err := t.reload(time.Now(), true); err != nil {
		return nil, err
	}
	return t, nil
}

// Reload re-reads the file when it changed on disk and at least minInterval passed since the
// previous load. A reload that yields no points keeps the previous contents.
func (t *Track) Reload(now time.Time, minInterval time.Duration) (bool, error) {
	if now.Sub(t.loadedAt) < minInterval {
		return false, nil
	}
	return t.reload(now, false)
}

func (t *Track) reload(now time.Time, force bool) (bool, error) {
	st, err := os.Stat(t.Path)
	if err != nil {
		return false, fmt.Errorf("track: %w", err)
	}
	if !force && st.ModTime().Equal(t.modTime) && st.Size() == t.size {
		return false, nil
	}
	b, err := os.ReadFile(t.Path)
	if err != nil {
		return false, fmt.Errorf("track: %w", err)
	}
	t.loadedAt = now
	t.modTime = st.ModTime()
	t.size = st.Size()

	points, last, skipped := parse(b)
	if len(points) == 0 {
		return false, fmt.Errorf("%w: %s", ErrEmptyTrack, t.Name)
	}
	bounds := EmptyBounds()
	for _, p := range points {
		bounds = bounds.Extend(p)
	}
	t.Points, t.Last, t.Skipped, t.Bounds = points, last, skipped, bounds
	return true, nil
}

// LastPoint returns the most recent point.
func (t *Track) LastPoint() (Point, bool) {
	if len(t.Points) == 0 {
		return Point{}, false
	}
	return t.Points[len(t.Points)-1], true
}

func parse(b []byte) ([]Point, json.RawMessage, int) {
	var (
		points  []Point
		last    json.RawMessage
		skipped int
	)
	sc := bufio.NewScanner(bytes.NewReader(b))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line, ok := normalize(sc.Bytes())
		if !ok {
			continue
		}
		p, err := ParsePoint(line)
		if err != nil {
			skipped++
			continue
		}
		points = append(points, p)
		last = append(json.RawMessage(nil), bytes.TrimSpace(line)...)
	}
	return points, last, skipped
}

type pointShape struct {
	Lat       *float64 `json:"lat"`
	Lon       *float64 `json:"lon"`
	Latitude  *float64 `json:"Latitude"`
	Longitude *float64 `json:"Longitude"`
	Location  *struct {
		Lat *float64 `json:"lat"`
		Lng *float64 `json:"lng"`
	} `json:"location"`
}

// ParsePoint extracts a position from a lat/lon, Latitude/Longitude or location.lat/lng object.
func ParsePoint(b []byte) (Point, error) {
	var s pointShape
	if err := json.Unmarshal(b, &s); err != nil {
		return Point{}, fmt.Errorf("track: %w", err)
	}
	switch {
	case s.Lat != nil && s.Lon != nil:
		return Point{Lat: *s.Lat, Lon: *s.Lon}, nil
	case s.Latitude != nil && s.Longitude != nil:
		return Point{Lat: *s.Latitude, Lon: *s.Longitude}, nil
	case s.Location != nil && s.Location.Lat != nil && s.Location.Lng != nil:
		return Point{Lat: *s.Location.Lat, Lon: *s.Location.Lng}, nil
	default:
		return Point{}, fmt.Errorf("track: no position in %q", truncate(b, 64))
	}
}

func truncate(b []byte, n int) []byte {
	b = bytes.TrimSpace(b)
	if len(b) > n {
		return b[:n]
	}
	return b
}
