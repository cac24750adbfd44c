package track

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"

	"pwn-gpsd/internal/protocol"
)

const (
	captureSuffix = ".gps.json"
	wigleSuffix   = ".geo.json"
)

// APLocation is a known access point position read from the handshake directory.
type APLocation struct {
	Name string  `json:"name"`
	Lat  float64 `json:"lat"`
	Lon  float64 `json:"lon"`
}

// CaptureBasename builds <hostname>_<mac> keeping only alphanumerics. Empty names become EMPTY.
func CaptureBasename(hostname, mac string) string {
	return normalizeName(hostname) + "_" + normalizeName(strings.ToLower(mac))
}

func normalizeName(s string) string {
	if s == "" {
		return "EMPTY"
	}
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return -1
	}, s)
}

// CapturePath maps a capture file to its sidecar position file.
func CapturePath(capture string) string {
	return strings.TrimSuffix(capture, filepath.Ext(capture)) + captureSuffix
}

// WriteCaptureLocation writes tpv next to a capture file and returns the path written.
func WriteCaptureLocation(capture string, tpv protocol.TPV) (string, error) {
	if !tpv.HasPosition() {
		return "", ErrNoPosition
	}
	out := struct {
		protocol.TPV
		Latitude  float64  `json:"Latitude"`
		Longitude float64  `json:"Longitude"`
		Altitude  *float64 `json:"Altitude,omitempty"`
	}{TPV: tpv, Latitude: *tpv.Lat, Longitude: *tpv.Lon}
	if alt, ok := tpv.Altitude(); ok {
		out.Altitude = &alt
	}
	b, err := protocol.Encode(out)
	if err != nil {
		return "", err
	}
	path := CapturePath(capture)
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return "", fmt.Errorf("track: %w", err)
	}
	return path, nil
}

// ReadCurrent reads the current-position file.
func ReadCurrent(path string) (protocol.TPV, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return protocol.TPV{}, fmt.Errorf("track: %w", err)
	}
	line, ok := normalize(b)
	if !ok {
		return protocol.TPV{}, ErrEmptyTrack
	}
	var tpv protocol.TPV
	if err := json.Unmarshal(line, &tpv); err != nil {
		return protocol.TPV{}, fmt.Errorf("track: %w", err)
	}
	if !tpv.HasPosition() {
		return protocol.TPV{}, ErrNoPosition
	}
	return tpv, nil
}

// ReadAPLocation reads a single access point position file.
func ReadAPLocation(path string) (APLocation, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return APLocation{}, fmt.Errorf("track: %w", err)
	}
	p, err := ParsePoint(b)
	if err != nil {
		return APLocation{}, err
	}
	name := filepath.Base(path)
	name = strings.TrimSuffix(strings.TrimSuffix(name, captureSuffix), wigleSuffix)
	return APLocation{Name: name, Lat: p.Lat, Lon: p.Lon}, nil
}

// HandshakeLocations reads every *.gps.json and *.geo.json file in dir, skipping unreadable ones.
func HandshakeLocations(dir string) ([]APLocation, error) {
	var paths []string
	for _, pat := range []string{"*" + captureSuffix, "*" + wigleSuffix} {
		m, err := filepath.Glob(filepath.Join(dir, pat))
		if err != nil {
			return nil, fmt.Errorf("track: %w", err)
		}
		paths = append(paths, m...)
	}
	sort.Strings(paths)
	out := make([]APLocation, 0, len(paths))
	for _, p := range paths {
		loc, err := ReadAPLocation(p)
		if err != nil {
			continue
		}
		out = append(out, loc)
	}
	return out, nil
}
