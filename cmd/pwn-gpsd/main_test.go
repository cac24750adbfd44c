package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pwn-gpsd/internal/config"
	"pwn-gpsd/internal/peercrypt"
	"pwn-gpsd/internal/protocol"
	"pwn-gpsd/internal/proxy"
	"pwn-gpsd/internal/sim"
	"pwn-gpsd/internal/track"
)

func loadArgs(t *testing.T, args ...string) (config.Config, error) {
	t.Helper()
	var cfg config.Config
	root := newRootCmdWith(func(_ context.Context, c config.Config, _ options, _ io.Writer) error {
		cfg = c
		return nil
	})
	root.SetArgs(args)
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	err := root.Execute()
	return cfg, err
}

func writeTempConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	return path
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func TestFlagsOverrideDefaults(t *testing.T) {
	cfg, err := loadArgs(t, "-p", "9000", "-s", "gps.local:2948", "-k", "5", "-m", "20", "-d", "3", "-a", "2.5", "-U", "-P", "secret", "-v")
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Listen.Port)
	assert.Equal(t, "gps.local:2948", cfg.Upstream.Server)
	assert.Equal(t, 5, cfg.Loop.Iterations)
	assert.Equal(t, 20*time.Second, cfg.Filter.MinPeriod)
	assert.Equal(t, 20*time.Second, cfg.Peers.ShareMinInterval)
	assert.Equal(t, 3, cfg.Filter.Decimals)
	assert.Equal(t, 2.5, cfg.Filter.AltPrecision)
	assert.True(t, cfg.Peers.UseShared)
	assert.False(t, cfg.Peers.Share)
	assert.Equal(t, "secret", cfg.Peers.Password)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.MeshEnabled())
}

func TestFlagsOverrideConfigFile(t *testing.T) {
	path := writeTempConfig(t, `
listen:
  port: 8000
upstream:
  server: 10.0.0.1:2947
filter:
  min_period: 5s
  heartbeat: 30s
log:
  level: info
`)
	cfg, err := loadArgs(t, "-c", path, "-p", "8001", "-q", "--http", "127.0.0.1:9090")
	require.NoError(t, err)
	assert.Equal(t, 8001, cfg.Listen.Port)
	assert.Equal(t, "10.0.0.1:2947", cfg.Upstream.Server)
	assert.Equal(t, 5*time.Second, cfg.Filter.MinPeriod)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.True(t, cfg.Web.Enable)
	assert.Equal(t, "127.0.0.1:9090", cfg.Web.Listen)
}

func TestMinPeriodRaisesHeartbeat(t *testing.T) {
	cfg, err := loadArgs(t, "-m", "120")
	require.NoError(t, err)
	assert.Equal(t, 120*time.Second, cfg.Filter.Heartbeat)
}

func TestInvalidFlagsAreConfigErrors(t *testing.T) {
	_, err := loadArgs(t, "-d", "12")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "filter.decimals must be between 1 and 9")

	var stderr bytes.Buffer
	code := execute(context.Background(), []string{"-p", "70000"}, &bytes.Buffer{}, &stderr)
	assert.Equal(t, proxy.ExitConfig, code)
	assert.Contains(t, stderr.String(), "listen.port must be between 1 and 65535")

	code = execute(context.Background(), []string{"--no-such-flag"}, &bytes.Buffer{}, &bytes.Buffer{})
	assert.Equal(t, proxy.ExitConfig, code)
}

func TestShareNeedsUpstream(t *testing.T) {
	_, err := loadArgs(t, "-s", "none", "-S")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "peers.share needs an upstream to share")
}

func TestPeek(t *testing.T) {
	codec, err := peercrypt.NewCodec(peercrypt.CipherFernet, "Friendship")
	require.NoError(t, err)
	line := `{"class":"TPV","mode":3,"lat":1.5,"lon":2.5}`
	token, err := peercrypt.NewBox(codec).Encrypt(line)
	require.NoError(t, err)

	var stdout bytes.Buffer
	code := execute(context.Background(), []string{"peek", token}, &stdout, &bytes.Buffer{})
	require.Equal(t, proxy.ExitOK, code)
	var got map[string]any
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &got))
	assert.Equal(t, "TPV", got["class"])
	assert.Equal(t, 1.5, got["lat"])

	var stderr bytes.Buffer
	code = execute(context.Background(), []string{"peek", "-P", "wrong", token}, &bytes.Buffer{}, &stderr)
	assert.Equal(t, proxy.ExitConfig, code)
	assert.Contains(t, stderr.String(), "does not decrypt")
}

func TestCaptureWritesSidecar(t *testing.T) {
	state := t.TempDir()
	hs := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(state, track.CurrentFile),
		[]byte(`{"class":"TPV","mode":3,"lat":37.5,"lon":-122.25,"alt":10}`+"\n"), 0o644))

	capture := filepath.Join(hs, "Home_001122334455.pcap")
	var stdout bytes.Buffer
	code := execute(context.Background(), []string{
		"capture", "--state-dir", state, "--handshake-dir", hs, "--hostname", "Cafe WiFi", "--mac", "AA:BB:CC:00:11:22", capture,
	}, &stdout, &bytes.Buffer{})
	require.Equal(t, proxy.ExitOK, code)

	written := strings.Fields(stdout.String())
	assert.Equal(t, []string{
		filepath.Join(hs, "Home_001122334455.gps.json"),
		filepath.Join(hs, "CafeWiFi_aabbcc001122.gps.json"),
	}, written)

	loc, err := track.ReadAPLocation(written[0])
	require.NoError(t, err)
	assert.Equal(t, 37.5, loc.Lat)
	assert.Equal(t, -122.25, loc.Lon)
}

func TestCaptureWithoutPosition(t *testing.T) {
	var stderr bytes.Buffer
	code := execute(context.Background(), []string{"capture", "--state-dir", t.TempDir(), "x.pcap"}, &bytes.Buffer{}, &stderr)
	assert.Equal(t, proxy.ExitConfig, code)
	assert.Contains(t, stderr.String(), "no current position")
}

func TestTracksListsDailyFiles(t *testing.T) {
	state := t.TempDir()
	now := time.Now()
	require.NoError(t, os.WriteFile(filepath.Join(state, track.FileName(track.DirectPrefix, now)),
		[]byte(`{"class":"TPV","lat":1,"lon":2}`+"\n"+`{"class":"TPV","lat":1.5,"lon":2.5}`+"\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(state, track.FileName(track.PeerPrefix, now)),
		[]byte(`{"class":"TPV","lat":3,"lon":4}`+"\n"), 0o644))

	var stdout bytes.Buffer
	code := execute(context.Background(), []string{"tracks", "--state-dir", state}, &stdout, &bytes.Buffer{})
	require.Equal(t, proxy.ExitOK, code)

	out := stdout.String()
	assert.Contains(t, out, track.FileName(track.DirectPrefix, now))
	assert.Contains(t, out, "1.500000,2.500000")
	assert.Contains(t, out, track.FileName(track.PeerPrefix, now))
}

func TestRunFusionOnlyIterationBudget(t *testing.T) {
	args := []string{"-s", "none", "-k", "1", "-p", strconv.Itoa(freePort(t)), "--state-dir", t.TempDir(), "-q"}
	code := execute(context.Background(), args, &bytes.Buffer{}, &bytes.Buffer{})
	assert.Equal(t, proxy.ExitOK, code)
}

func TestRunUpstreamClosedExitCode(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err == nil {
			_ = c.Close()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	args := []string{"-s", ln.Addr().String(), "-p", strconv.Itoa(freePort(t)), "--state-dir", t.TempDir(), "-q"}
	code := execute(ctx, args, &bytes.Buffer{}, &bytes.Buffer{})
	assert.Equal(t, proxy.ExitUpstreamClosed, code)
}

func TestProxyRelaysSimulatedReceiver(t *testing.T) {
	gpsd, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	simCtx, stopSim := context.WithCancel(context.Background())
	defer stopSim()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	simDone := make(chan error, 1)
	go func() {
		srv := &sim.Server{Walk: sim.Walk{CenterLat: 48.1, CenterLon: 11.5}, Interval: 20 * time.Millisecond}
		simDone <- srv.Serve(simCtx, gpsd)
	}()

	state := t.TempDir()
	port := freePort(t)
	proxyDone := make(chan int, 1)
	go func() {
		proxyDone <- execute(ctx, []string{"-s", gpsd.Addr().String(), "-p", strconv.Itoa(port), "--state-dir", state, "-q"},
			&bytes.Buffer{}, &bytes.Buffer{})
	}()

	var conn net.Conn
	require.Eventually(t, func() bool {
		conn, err = net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	_, err = conn.Write([]byte(`?WATCH={"enable":true,"json":true};` + "\n"))
	require.NoError(t, err)

	r := bufio.NewReader(conn)
	var got protocol.TPV
	for {
		line, err := r.ReadBytes('\n')
		require.NoError(t, err)
		msg, err := protocol.Decode(line)
		if err != nil {
			continue
		}
		if tpv, ok := msg.(protocol.TPV); ok && tpv.HasPosition() {
			got = tpv
			break
		}
	}
	assert.InDelta(t, 48.1, *got.Lat, 0.01)
	assert.InDelta(t, 11.5, *got.Lon, 0.01)

	require.Eventually(t, func() bool {
		_, err := track.ReadCurrent(filepath.Join(state, track.CurrentFile))
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	// Stop the proxy before its upstream so the shutdown is not an upstream failure.
	cancel()
	assert.Equal(t, proxy.ExitOK, <-proxyDone)
	stopSim()
	require.NoError(t, <-simDone)
}
