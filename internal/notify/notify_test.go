package notify

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pwn-gpsd/internal/protocol"
)

func f(v float64) *float64 { return &v }

func TestPositionOf(t *testing.T) {
	_, ok := PositionOf(protocol.TPV{Class: protocol.ClassTPV, Mode: protocol.ModeNoFix})
	assert.False(t, ok)

	p, ok := PositionOf(protocol.TPV{Class: protocol.ClassTPV, Mode: 3, Lat: f(1), Lon: f(2), AltMSL: f(30), Time: "t"})
	require.True(t, ok)
	assert.Equal(t, "direct", p.Source)
	require.NotNil(t, p.Alt)
	assert.Equal(t, 30.0, *p.Alt)

	p, ok = PositionOf(protocol.TPV{Class: protocol.ClassTPV, Mode: 2, Lat: f(1), Lon: f(2),
		UndividedCount: &protocol.Provenance{Count: 3, Weight: 120}})
	require.True(t, ok)
	assert.Equal(t, "peers", p.Source)
	assert.Equal(t, 3, p.Peers)
	assert.Nil(t, p.Alt)
}

func TestMulti(t *testing.T) {
	var got []string
	m := Multi{
		Func(func(protocol.TPV) { got = append(got, "a") }),
		nil,
		Func(func(protocol.TPV) { got = append(got, "b") }),
	}
	m.PositionChanged(protocol.TPV{})
	assert.Equal(t, []string{"a", "b"}, got)
}

type doneToken struct {
	err  error
	done chan struct{}
}

func newDoneToken(err error) *doneToken {
	t := &doneToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *doneToken) Wait() bool                     { return true }
func (t *doneToken) WaitTimeout(time.Duration) bool { return true }
func (t *doneToken) Done() <-chan struct{}          { return t.done }
func (t *doneToken) Error() error                   { return t.err }

type fakeClient struct {
	mu           sync.Mutex
	topics       []string
	retained     []bool
	payloads     [][]byte
	err          error
	disconnected bool
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics = append(c.topics, topic)
	c.retained = append(c.retained, retained)
	c.payloads = append(c.payloads, payload.([]byte))
	return newDoneToken(c.err)
}

func (c *fakeClient) Disconnect(uint) { c.disconnected = true }

func TestMQTT_PublishesRetainedPosition(t *testing.T) {
	c := &fakeClient{}
	m := newMQTT(c, MQTTConfig{})

	m.PositionChanged(protocol.TPV{Class: protocol.ClassTPV, Mode: 1})
	assert.Empty(t, c.payloads, "no position, nothing published")

	m.PositionChanged(protocol.TPV{Class: protocol.ClassTPV, Mode: 3, Lat: f(48.1), Lon: f(11.5), Alt: f(545.4)})
	require.Len(t, c.payloads, 1)
	assert.Equal(t, DefaultTopic, c.topics[0])
	assert.True(t, c.retained[0])

	var pos Position
	require.NoError(t, json.Unmarshal(c.payloads[0], &pos))
	assert.Equal(t, 48.1, pos.Lat)
	assert.Equal(t, 3, pos.Mode)

	c.err = errors.New("broker gone")
	m.PositionChanged(protocol.TPV{Class: protocol.ClassTPV, Mode: 2, Lat: f(1), Lon: f(1)})
	assert.Len(t, c.payloads, 2)

	m.Close()
	assert.True(t, c.disconnected)
}

func TestDialMQTT_RequiresBroker(t *testing.T) {
	_, err := DialMQTT(MQTTConfig{})
	assert.Error(t, err)
}
