package filter

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pwn-gpsd/internal/archive"
	"pwn-gpsd/internal/protocol"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func entry(t *testing.T, line string, at time.Time) archive.Entry {
	t.Helper()
	msg, err := protocol.Decode([]byte(line))
	require.NoError(t, err)
	return archive.Entry{Class: msg.Kind(), Raw: protocol.Line([]byte(line)), Msg: msg, At: at}
}

func tpvLine(mode int, lat, lon float64, alt string, ts string) string {
	s := fmt.Sprintf(`{"class":"TPV","mode":%d,"lat":%.6f,"lon":%.6f`, mode, lat, lon)
	if alt != "" {
		s += `,"alt":` + alt
	}
	return s + `,"time":"` + ts + `"}`
}

// run feeds samples one second apart and returns the indexes that propagated.
func run(t *testing.T, f *Filter, lines []string, step time.Duration) []int {
	t.Helper()
	var last *archive.Entry
	var out []int
	for i, l := range lines {
		now := t0.Add(time.Duration(i) * step)
		cand := entry(t, l, now)
		if f.ShouldPropagate(last, cand, now).Propagate {
			c := cand
			last = &c
			out = append(out, i)
		}
	}
	return out
}

func TestShouldPropagate_ConstantPositionOnlyHeartbeat(t *testing.T) {
	f := New(DefaultConfig())
	var lines []string
	for i := 0; i < 130; i++ {
		lines = append(lines, tpvLine(3, 37.1, -122.1, "10", fmt.Sprintf("t%d", i)))
	}
	assert.Equal(t, []int{0, 60, 120}, run(t, f, lines, time.Second))
}

func TestShouldPropagate_IdenticalExceptTime(t *testing.T) {
	f := New(DefaultConfig())
	first := entry(t, `{"class":"TPV","mode":3,"lat":37.10000,"lon":-122.10000,"alt":10,"time":"t1"}`, t0)
	second := entry(t, `{"class":"TPV","mode":3,"lat":37.10000,"lon":-122.10000,"alt":10,"time":"t2"}`, t0.Add(2*time.Second))

	d := f.ShouldPropagate(nil, first, t0)
	assert.Equal(t, Decision{Propagate: true, Reason: ReasonFirst}, d)

	d = f.ShouldPropagate(&first, second, t0.Add(2*time.Second))
	assert.False(t, d.Propagate)
	assert.Equal(t, ReasonUnchanged, d.Reason)

	d = f.ShouldPropagate(&first, first, t0.Add(30*time.Second))
	assert.False(t, d.Propagate, "identical raw line twice")
}

func TestShouldPropagate_MovedRespectsDebounce(t *testing.T) {
	f := New(DefaultConfig())
	last := entry(t, tpvLine(2, 37.1, -122.1, "", "a"), t0)

	moved := entry(t, tpvLine(2, 37.10002, -122.1, "", "b"), t0.Add(5*time.Second))
	d := f.ShouldPropagate(&last, moved, t0.Add(5*time.Second))
	assert.Equal(t, ReasonDebounced, d.Reason)
	assert.False(t, d.Propagate)

	d = f.ShouldPropagate(&last, moved, t0.Add(10*time.Second))
	assert.Equal(t, Decision{Propagate: true, Reason: ReasonMoved}, d)

	jitter := entry(t, tpvLine(2, 37.100001, -122.100002, "", "c"), t0.Add(20*time.Second))
	d = f.ShouldPropagate(&last, jitter, t0.Add(20*time.Second))
	assert.False(t, d.Propagate, "sub-precision jitter")
}

func TestShouldPropagate_NoFixNeverMoves(t *testing.T) {
	f := New(DefaultConfig())
	last := entry(t, tpvLine(1, 37.1, -122.1, "", "a"), t0)
	cand := entry(t, tpvLine(1, 38.1, -122.1, "", "b"), t0.Add(20*time.Second))
	assert.False(t, f.ShouldPropagate(&last, cand, t0.Add(20*time.Second)).Propagate)
}

func TestShouldPropagate_UpgradeIsImmediate(t *testing.T) {
	f := New(DefaultConfig())
	last := entry(t, tpvLine(2, 37.1, -122.1, "", "a"), t0)
	cand := entry(t, tpvLine(3, 37.1, -122.1, "12", "b"), t0.Add(time.Second))
	assert.Equal(t, Decision{Propagate: true, Reason: ReasonUpgrade}, f.ShouldPropagate(&last, cand, t0.Add(time.Second)))
}

func TestShouldPropagate_Mode3WithoutAltitudeHeld(t *testing.T) {
	f := New(DefaultConfig())
	last := entry(t, tpvLine(3, 37.1, -122.1, "12", "a"), t0)
	cand := entry(t, tpvLine(3, 37.2, -122.2, "", "b"), t0.Add(30*time.Second))
	d := f.ShouldPropagate(&last, cand, t0.Add(30*time.Second))
	assert.Equal(t, ReasonIncomplete, d.Reason)
	assert.False(t, d.Propagate)

	// The heartbeat floor still wins.
	d = f.ShouldPropagate(&last, cand, t0.Add(61*time.Second))
	assert.Equal(t, ReasonHeartbeat, d.Reason)
}

func TestShouldPropagate_AltitudeFlickerOnlyOnHeartbeat(t *testing.T) {
	f := New(DefaultConfig())
	var lines []string
	for i := 0; i < 130; i++ {
		alt := "12"
		if i%2 == 1 {
			alt = ""
		}
		lines = append(lines, tpvLine(3, 37.1, -122.1, alt, fmt.Sprintf("t%d", i)))
	}
	assert.Equal(t, []int{0, 60, 120}, run(t, f, lines, time.Second))

	// A receiver that lost altitude for good still gets a heartbeat.
	lines = lines[:0]
	lines = append(lines, tpvLine(3, 37.1, -122.1, "12", "t0"))
	for i := 1; i < 130; i++ {
		lines = append(lines, tpvLine(3, 37.1, -122.1, "", fmt.Sprintf("t%d", i)))
	}
	assert.Equal(t, []int{0, 60, 120}, run(t, f, lines, time.Second))
}

func TestShouldPropagate_AltitudeChange(t *testing.T) {
	f := New(DefaultConfig())
	last := entry(t, tpvLine(3, 37.1, -122.1, "12", "a"), t0)

	small := entry(t, tpvLine(3, 37.1, -122.1, "12.4", "b"), t0.Add(15*time.Second))
	assert.False(t, f.ShouldPropagate(&last, small, t0.Add(15*time.Second)).Propagate)

	big := entry(t, tpvLine(3, 37.1, -122.1, "14", "c"), t0.Add(15*time.Second))
	assert.Equal(t, ReasonClimbed, f.ShouldPropagate(&last, big, t0.Add(15*time.Second)).Reason)

	cfg := DefaultConfig()
	cfg.AltPrecision = 0
	assert.False(t, New(cfg).ShouldPropagate(&last, big, t0.Add(15*time.Second)).Propagate)
}

func TestShouldPropagate_NonTPVRateLimited(t *testing.T) {
	f := New(DefaultConfig())
	last := entry(t, `{"class":"SKY","nSat":5,"time":"a"}`, t0)
	cand := entry(t, `{"class":"SKY","nSat":6,"time":"b"}`, t0.Add(3*time.Second))
	assert.Equal(t, ReasonDebounced, f.ShouldPropagate(&last, cand, t0.Add(3*time.Second)).Reason)
	assert.Equal(t, ReasonElapsed, f.ShouldPropagate(&last, cand, t0.Add(10*time.Second)).Reason)
}

func TestReason_String(t *testing.T) {
	assert.Equal(t, "heartbeat", ReasonHeartbeat.String())
	assert.Equal(t, "unknown", Reason(99).String())
}
