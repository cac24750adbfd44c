package web

import (
	"sync/atomic"
	"time"

	"pwn-gpsd/internal/notify"
	"pwn-gpsd/internal/protocol"
)

// Status is the proxy's live counters. Every method is safe for concurrent use; the proxy loop
// writes and HTTP handlers read.
type Status struct {
	startUnixNano int64

	mode     atomic.Value // string
	listen   atomic.Value // string
	upstream atomic.Value // UpstreamStatus
	position atomic.Value // *notify.Position

	clients  atomic.Int64
	watching atomic.Int64

	linesIn      atomic.Uint64
	propagated   atomic.Uint64
	suppressed   atomic.Uint64
	fusionRounds atomic.Uint64
	fusionUsed   atomic.Uint64
	lastPeers    atomic.Int64
}

type UpstreamStatus struct {
	Addr      string `json:"addr"`
	State     string `json:"state"`
	LastError string `json:"last_error,omitempty"`
	SinceUTC  string `json:"since_utc,omitempty"`
}

func NewStatus() *Status {
	s := &Status{}
	atomic.StoreInt64(&s.startUnixNano, time.Now().UTC().UnixNano())
	s.mode.Store("")
	s.listen.Store("")
	s.upstream.Store(UpstreamStatus{State: "disconnected"})
	s.position.Store((*notify.Position)(nil))
	return s
}

func (s *Status) SetStatic(mode, listen string) {
	if mode != "" {
		s.mode.Store(mode)
	}
	if listen != "" {
		s.listen.Store(listen)
	}
}

// SetUpstream records a connection state change. A nil err keeps the previous error text.
func (s *Status) SetUpstream(nowUTC time.Time, addr, state string, err error) {
	prev := s.upstream.Load().(UpstreamStatus)
	next := UpstreamStatus{Addr: addr, State: state, LastError: prev.LastError, SinceUTC: nowUTC.UTC().Format(time.RFC3339)}
	if err != nil {
		next.LastError = err.Error()
	}
	s.upstream.Store(next)
}

func (s *Status) SetClients(total, watching int) {
	s.clients.Store(int64(total))
	s.watching.Store(int64(watching))
}

func (s *Status) CountLine() { s.linesIn.Add(1) }

// CountDecision tallies one change filter verdict.
func (s *Status) CountDecision(propagated bool) {
	if propagated {
		s.propagated.Add(1)
		return
	}
	s.suppressed.Add(1)
}

func (s *Status) MarkFusion(peers int, accepted bool) {
	s.fusionRounds.Add(1)
	s.lastPeers.Store(int64(peers))
	if accepted {
		s.fusionUsed.Add(1)
	}
}

// PositionChanged lets Status sit in the notifier chain.
func (s *Status) PositionChanged(tpv protocol.TPV) {
	if p, ok := notify.PositionOf(tpv); ok {
		s.position.Store(&p)
	}
}

type StatusSnapshot struct {
	Service      string           `json:"service"`
	NowUTC       string           `json:"now_utc"`
	UptimeSec    int64            `json:"uptime_sec"`
	Mode         string           `json:"mode"`
	Listen       string           `json:"listen"`
	Upstream     UpstreamStatus   `json:"upstream"`
	Clients      int64            `json:"clients"`
	Watching     int64            `json:"watching"`
	LinesIn      uint64           `json:"lines_in"`
	Propagated   uint64           `json:"propagated"`
	Suppressed   uint64           `json:"suppressed"`
	FusionRounds uint64           `json:"fusion_rounds"`
	FusionUsed   uint64           `json:"fusion_used"`
	Peers        int64            `json:"peers"`
	Position     *notify.Position `json:"position,omitempty"`
}

func (s *Status) Snapshot(nowUTC time.Time) StatusSnapshot {
	if nowUTC.IsZero() {
		nowUTC = time.Now().UTC()
	}
	start := time.Unix(0, atomic.LoadInt64(&s.startUnixNano)).UTC()
	return StatusSnapshot{
		Service:      "pwn-gpsd",
		NowUTC:       nowUTC.UTC().Format(time.RFC3339Nano),
		UptimeSec:    int64(nowUTC.Sub(start).Seconds()),
		Mode:         s.mode.Load().(string),
		Listen:       s.listen.Load().(string),
		Upstream:     s.upstream.Load().(UpstreamStatus),
		Clients:      s.clients.Load(),
		Watching:     s.watching.Load(),
		LinesIn:      s.linesIn.Load(),
		Propagated:   s.propagated.Load(),
		Suppressed:   s.suppressed.Load(),
		FusionRounds: s.fusionRounds.Load(),
		FusionUsed:   s.fusionUsed.Load(),
		Peers:        s.lastPeers.Load(),
		Position:     s.position.Load().(*notify.Position),
	}
}
