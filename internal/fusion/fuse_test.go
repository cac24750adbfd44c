package fusion

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pwn-gpsd/internal/archive"
	"pwn-gpsd/internal/peercrypt"
	"pwn-gpsd/internal/protocol"
)

func f64(v float64) *float64 { return &v }

func peer(id string, mode int, rssi, lat, lon float64, ts string) Peer {
	return Peer{
		ID:   id,
		Name: "name-" + id,
		RSSI: f64(rssi),
		TPV:  protocol.TPV{Class: protocol.ClassTPV, Mode: mode, Lat: f64(lat), Lon: f64(lon), Time: ts},
	}
}

func TestWeight(t *testing.T) {
	assert.InDelta(t, 70.0, Weight(f64(-60)), 1e-9)
	assert.InDelta(t, 55.0, Weight(f64(-90)), 1e-9)
	assert.InDelta(t, 99.0, Weight(f64(10)), 1e-9, "rssi clipped to -2")
	assert.Equal(t, 0.0, Weight(f64(-200)))
	assert.Equal(t, 0.0, Weight(f64(-250)))
	assert.Equal(t, 0.0, Weight(nil))
}

func TestFuse_WeightedTowardStrongerPeer(t *testing.T) {
	p1 := peer("p1", 3, -60, 10.000, 20.000, "2025-06-01T12:00:00.000Z")
	p1.TPV.Alt = f64(100)
	p2 := peer("p2", 2, -90, 10.001, 20.001, "2025-06-01T12:00:05.000Z")

	got, ok := Fuse([]Peer{p1, p2})
	require.True(t, ok)
	assert.Equal(t, 3, got.Mode)
	assert.Greater(t, *got.Lat, 10.000)
	assert.Less(t, *got.Lat, 10.0005)
	assert.InDelta(t, 10.00044, *got.Lat, 1e-9)
	assert.InDelta(t, 20.00044, *got.Lon, 1e-9)
	assert.InDelta(t, (-60*70.0-90*55.0)/125.0, *got.RSSI, 1e-9)
	require.NotNil(t, got.Alt)
	assert.InDelta(t, 100.0, *got.Alt, 1e-9, "altitude uses only peers reporting it")
	assert.Equal(t, "2025-06-01T12:00:05.000Z", got.Time)
	assert.Equal(t, "p1", got.Identity)
	assert.Equal(t, "name-p1", got.Name)
	require.NotNil(t, got.UndividedCount)
	assert.Equal(t, 2, got.UndividedCount.Count)
	assert.InDelta(t, 125.0, got.UndividedCount.Weight, 1e-9)
}

func TestFuse_NoQualifyingPeers(t *testing.T) {
	_, ok := Fuse(nil)
	assert.False(t, ok)

	_, ok = Fuse([]Peer{
		peer("a", 1, -40, 1, 2, "t"),
		peer("b", 0, -40, 1, 2, "t"),
		peer("c", 3, -300, 1, 2, "t"),
		{ID: "d", TPV: protocol.TPV{Mode: 3}, RSSI: f64(-40)},
	})
	assert.False(t, ok)
}

func TestAccept(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	fused := protocol.TPV{Class: protocol.ClassTPV, Mode: 2}

	assert.True(t, Accept(nil, fused, now, DefaultDowngradeWindow))

	cur := &archive.Entry{Class: protocol.ClassTPV, Msg: protocol.TPV{Mode: 3}, At: now.Add(-time.Minute)}
	assert.False(t, Accept(cur, fused, now, DefaultDowngradeWindow))

	cur.At = now.Add(-6 * time.Minute)
	assert.True(t, Accept(cur, fused, now, DefaultDowngradeWindow))

	cur = &archive.Entry{Class: protocol.ClassTPV, Msg: protocol.TPV{Mode: 2}, At: now}
	assert.True(t, Accept(cur, fused, now, DefaultDowngradeWindow))
}

type countingCodec struct {
	peercrypt.Codec
	opens int
}

func (c *countingCodec) Open(token string) ([]byte, error) {
	c.opens++
	return c.Codec.Open(token)
}

func TestFuser_CachesAndSkipsBadTokens(t *testing.T) {
	inner, err := peercrypt.NewCodec(peercrypt.CipherFernet, "Friendship")
	require.NoError(t, err)
	codec := &countingCodec{Codec: inner}
	box := peercrypt.NewBox(codec)

	tok1, err := box.Encrypt(`{"class":"TPV","mode":3,"lat":10.000,"lon":20.000,"time":"t1"}`)
	require.NoError(t, err)
	tok2, err := box.Encrypt(map[string]any{"class": "TPV", "mode": 2, "lat": 10.001, "lon": 20.001, "time": "t2"})
	require.NoError(t, err)
	foreign, err := peercrypt.NewBox(peercrypt.NewFernet(peercrypt.DeriveKey("other"))).Encrypt(map[string]any{"mode": 3})
	require.NoError(t, err)

	ads := []Advertisement{
		{ID: "p1", Name: "alpha", RSSI: f64(-60), Token: tok1},
		{ID: "p2", Name: "beta", RSSI: f64(-90), Token: tok2},
		{ID: "p3", Name: "gamma", RSSI: f64(-30), Token: foreign},
		{ID: "p4", Name: "delta", RSSI: f64(-30), Token: "garbage"},
		{ID: "p5", Name: "silent", RSSI: f64(-30)},
	}
	f := NewFuser(box, time.Minute, nil)

	got, n, ok := f.Round(ads)
	require.True(t, ok)
	assert.Equal(t, 2, n)
	assert.Equal(t, 3, got.Mode)
	assert.InDelta(t, 10.00044, *got.Lat, 1e-9)
	assert.Equal(t, "alpha", got.Name)
	assert.Equal(t, 4, codec.opens)
	assert.Equal(t, 4, f.Len())

	_, _, ok = f.Round(ads)
	require.True(t, ok)
	assert.Equal(t, 4, codec.opens, "unchanged tokens are not reopened")

	tok1b, err := box.Encrypt(`{"class":"TPV","mode":3,"lat":10.5,"lon":20.5,"time":"t3"}`)
	require.NoError(t, err)
	ads[0].Token = tok1b
	_, _, ok = f.Round(ads)
	require.True(t, ok)
	assert.Equal(t, 5, codec.opens)
}
