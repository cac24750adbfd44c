package web

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"pwn-gpsd/internal/notify"
	"pwn-gpsd/internal/protocol"
	"pwn-gpsd/internal/track"
)

func f64(v float64) *float64 { return &v }

func fix(lat, lon float64) protocol.TPV {
	return protocol.TPV{Class: protocol.ClassTPV, Mode: protocol.Mode3D, Lat: f64(lat), Lon: f64(lon), Time: "2024-05-01T10:00:00.000Z"}
}

func getJSON(t *testing.T, url string, v any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil && resp.StatusCode == http.StatusOK {
		require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp
}

func TestAPIStatusAndPosition(t *testing.T) {
	st := NewStatus()
	st.SetStatic("proxy", ":7492")
	st.SetUpstream(time.Now(), "127.0.0.1:2947", "streaming", nil)
	st.SetClients(2, 1)
	st.CountDecision(true)
	st.CountDecision(false)

	ts := httptest.NewServer(Handler(Deps{Status: st}))
	defer ts.Close()

	resp := getJSON(t, ts.URL+"/api/position", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	st.PositionChanged(fix(48.1173, 11.5167))

	var snap StatusSnapshot
	getJSON(t, ts.URL+"/api/status", &snap)
	assert.Equal(t, "pwn-gpsd", snap.Service)
	assert.Equal(t, "streaming", snap.Upstream.State)
	assert.Equal(t, int64(2), snap.Clients)
	assert.Equal(t, uint64(1), snap.Propagated)
	assert.Equal(t, uint64(1), snap.Suppressed)
	require.NotNil(t, snap.Position)

	var pos notify.Position
	getJSON(t, ts.URL+"/api/position", &pos)
	assert.Equal(t, 48.1173, pos.Lat)
	assert.Equal(t, "direct", pos.Source)

	resp, err := http.Post(ts.URL+"/api/status", "text/plain", strings.NewReader("x"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestStatus_UpstreamKeepsLastError(t *testing.T) {
	st := NewStatus()
	st.SetUpstream(time.Now(), "gpsd:2947", "disconnected", assert.AnError)
	st.SetUpstream(time.Now(), "gpsd:2947", "connecting", nil)
	snap := st.Snapshot(time.Time{})
	assert.Equal(t, "connecting", snap.Upstream.State)
	assert.Equal(t, assert.AnError.Error(), snap.Upstream.LastError)
}

func TestRootPage(t *testing.T) {
	ts := httptest.NewServer(Handler(Deps{}))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/api/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPITracksAndHandshakes(t *testing.T) {
	state := t.TempDir()
	hs := t.TempDir()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, os.WriteFile(filepath.Join(state, track.FileName(track.DirectPrefix, now)),
		[]byte(`{"class":"TPV","lat":1,"lon":2}`+"\n"+`{"class":"TPV","lat":3,"lon":4},`+"\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(state, track.FileName(track.PeerPrefix, now.AddDate(0, 0, -1))),
		[]byte(`{"class":"TPV","lat":-1,"lon":-2}`+"\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(hs, "ap_aabbcc.gps.json"),
		[]byte(`{"Latitude":5,"Longitude":6}`), 0o644))

	tracks := NewTracks(state, 3, time.Minute)
	tracks.now = func() time.Time { return now }

	ts := httptest.NewServer(Handler(Deps{Tracks: tracks, HandshakeDir: hs}))
	defer ts.Close()

	var resp TracksResponse
	getJSON(t, ts.URL+"/api/tracks", &resp)
	require.Len(t, resp.Tracks, 2)
	assert.Equal(t, "direct", resp.Tracks[0].Kind)
	assert.Equal(t, 2, resp.Tracks[0].Count)
	assert.Nil(t, resp.Tracks[0].Points)
	assert.Equal(t, &track.Point{Lat: 3, Lon: 4}, resp.Tracks[0].Last)
	assert.Equal(t, "peers", resp.Tracks[1].Kind)
	require.NotNil(t, resp.Bounds)
	assert.Equal(t, track.Bounds{MinLon: -2, MinLat: -1, MaxLon: 4, MaxLat: 3}, *resp.Bounds)

	getJSON(t, ts.URL+"/api/tracks?points=1", &resp)
	assert.Len(t, resp.Tracks[0].Points, 2)

	var hsResp struct {
		Locations []track.APLocation `json:"locations"`
	}
	getJSON(t, ts.URL+"/api/handshakes", &hsResp)
	assert.Equal(t, []track.APLocation{{Name: "ap_aabbcc", Lat: 5, Lon: 6}}, hsResp.Locations)
}

func TestAPILogs(t *testing.T) {
	logs := NewLogBuffer(3)
	_, _ = logs.Write([]byte("level=INFO msg=one\nlevel=WARN msg=two\nlevel=INFO msg=th"))
	_, _ = logs.Write([]byte("ree\nlevel=ERROR msg=four\n"))

	lines, dropped := logs.Snapshot(0, "")
	assert.Equal(t, []string{"level=WARN msg=two", "level=INFO msg=three", "level=ERROR msg=four"}, lines)
	assert.Equal(t, uint64(1), dropped)

	lines, _ = logs.Snapshot(10, "warn")
	assert.Equal(t, []string{"level=WARN msg=two"}, lines)

	ts := httptest.NewServer(Handler(Deps{Logs: logs}))
	defer ts.Close()

	var out LogsResponse
	getJSON(t, ts.URL+"/api/logs?tail=1", &out)
	assert.Equal(t, []string{"level=ERROR msg=four"}, out.Lines)

	resp, err := http.Get(ts.URL + "/api/logs?tail=0")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPositionBroadcaster_ReplaysLast(t *testing.T) {
	b := NewPositionBroadcaster()
	b.PositionChanged(protocol.TPV{Class: protocol.ClassTPV, Mode: 1})
	id, ch := b.Subscribe(1)
	assert.Empty(t, ch, "no position yet")
	b.PositionChanged(fix(1, 2))
	assert.Equal(t, 1.0, (<-ch).Lat)
	b.Unsubscribe(id)

	_, ch = b.Subscribe(1)
	assert.Equal(t, 2.0, (<-ch).Lon)
	assert.Equal(t, 1, b.Subscribers())
}

func TestPositionWebsocket(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := NewPositionBroadcaster()
	b.PositionChanged(fix(10, 20))

	ts := httptest.NewServer(Handler(Deps{Positions: b}))
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/api/position/ws", nil)
	require.NoError(t, err)

	var pos notify.Position
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&pos))
	assert.Equal(t, 10.0, pos.Lat)

	b.PositionChanged(fix(11, 21))
	require.NoError(t, conn.ReadJSON(&pos))
	assert.Equal(t, 11.0, pos.Lat)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return b.Subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	b := NewPositionBroadcaster()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, addr, Deps{Positions: b}) }()

	var conn *websocket.Conn
	require.Eventually(t, func() bool {
		conn, _, err = websocket.DefaultDialer.Dial("ws://"+addr+"/api/position/ws", nil)
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)
	defer conn.Close()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
	http.DefaultClient.CloseIdleConnections()
}
