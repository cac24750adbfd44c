package track

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pwn-gpsd/internal/protocol"
)

func TestCaptureBasename(t *testing.T) {
	assert.Equal(t, "MyWiFi5G_aabbccddeeff", CaptureBasename("My WiFi-5G!", "AA:BB:CC:DD:EE:FF"))
	assert.Equal(t, "EMPTY_001122334455", CaptureBasename("", "00:11:22:33:44:55"))
}

func TestWriteCaptureLocation(t *testing.T) {
	dir := t.TempDir()
	capture := filepath.Join(dir, "MyWiFi_aabbccddeeff.pcap")

	lat, lon, alt := 37.1, -122.1, 12.0
	path, err := WriteCaptureLocation(capture, protocol.TPV{Class: protocol.ClassTPV, Mode: 3, Lat: &lat, Lon: &lon, Alt: &alt})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "MyWiFi_aabbccddeeff.gps.json"), path)

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, 37.1, got["Latitude"])
	assert.Equal(t, -122.1, got["Longitude"])
	assert.Equal(t, 12.0, got["Altitude"])
	assert.Equal(t, "TPV", got["class"])

	loc, err := ReadAPLocation(path)
	require.NoError(t, err)
	assert.Equal(t, APLocation{Name: "MyWiFi_aabbccddeeff", Lat: 37.1, Lon: -122.1}, loc)

	_, err = WriteCaptureLocation(capture, protocol.TPV{Mode: 1})
	assert.ErrorIs(t, err, ErrNoPosition)
}

func TestHandshakeLocations(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a_0011.gps.json", `{"Latitude":1,"Longitude":2}`)
	writeFile(t, dir, "b_2233.geo.json", `{"location":{"lat":3,"lng":4}}`)
	writeFile(t, dir, "c_4455.gps.json", `not json`)
	writeFile(t, dir, "d_6677.pcap", `binary`)

	got, err := HandshakeLocations(dir)
	require.NoError(t, err)
	assert.Equal(t, []APLocation{
		{Name: "a_0011", Lat: 1, Lon: 2},
		{Name: "b_2233", Lat: 3, Lon: 4},
	}, got)
}
