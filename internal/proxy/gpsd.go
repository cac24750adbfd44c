package proxy

import (
	"errors"
	"fmt"
	"io"
	"time"

	"pwn-gpsd/internal/archive"
	"pwn-gpsd/internal/protocol"
	"pwn-gpsd/internal/upstream"
)

var watchAll = func() protocol.Watch {
	on := true
	return protocol.Watch{Enable: &on, JSON: &on}
}()

// connect starts dialing the upstream. The result arrives as a dispatch.
func (s *Server) connect() {
	s.upState = upConnecting
	s.status.SetUpstream(s.now(), s.src.String(), s.upState.String(), nil)
	s.log.Info("connecting to upstream", "upstream", s.src.String())

	ctx, src, timeout := s.ctx, s.src, s.cfg.Upstream.DialTimeout
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		conn, err := s.dial(ctx, src, timeout)
		if !s.post(func(s *Server) error { return s.dialed(conn, err) }) && conn != nil {
			_ = conn.Close()
		}
	}()
}

func (s *Server) dialed(conn io.ReadWriteCloser, err error) error {
	if err != nil {
		return s.upstreamFailed(fmt.Errorf("%w: dial: %v", upstream.ErrClosed, err))
	}
	s.linkGen++
	gen := s.linkGen
	s.link = upstream.NewLink(s.src, conn, upstream.LinkConfig{
		MaxLineBytes: s.cfg.Upstream.MaxLineKB * 1024,
		Logger:       s.log,
	})
	s.link.Start(
		func(line []byte) {
			s.post(func(s *Server) error { return s.upstreamLine(gen, line) })
		},
		func(err error) {
			s.post(func(s *Server) error {
				if gen != s.linkGen {
					return nil
				}
				return s.upstreamFailed(err)
			})
		},
	)
	s.log.Info("upstream connected", "upstream", s.src.String())
	return nil
}

// upstreamFailed applies the reconnect policy: standalone runs stop, embedded runs retry.
func (s *Server) upstreamFailed(err error) error {
	if s.link != nil {
		s.retire(s.link)
		s.link = nil
	}
	// Lines already queued from the dead link are stale.
	s.linkGen++
	s.upState = upDisconnected
	s.status.SetUpstream(s.now(), s.src.String(), s.upState.String(), err)
	if !s.cfg.Upstream.Reconnect {
		return upstreamFatal(err)
	}
	wait := s.backoff.Next()
	s.log.Warn("upstream lost, reconnecting", "upstream", s.src.String(), "retry_in", wait, "error", err)
	ctx := s.ctx
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if upstream.SleepCtx(ctx, wait) {
			s.post(func(s *Server) error {
				s.connect()
				return nil
			})
		}
	}()
	return nil
}

// retire closes a link off the loop; its reader may be blocked handing us a line.
func (s *Server) retire(l *upstream.Link) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = l.Close()
	}()
}

// send queues a command for the upstream. It reports false when there is no usable link.
func (s *Server) send(b []byte) bool {
	if s.link == nil {
		return false
	}
	if !s.link.Send(b) {
		s.log.Warn("upstream command queue full, dropping", "command", string(b))
		return false
	}
	return true
}

func (s *Server) upstreamLine(gen uint64, line []byte) error {
	if gen != s.linkGen {
		return nil
	}
	now := s.now()
	s.status.CountLine()

	msg, err := protocol.Decode(line)
	var unknown *protocol.UnknownClassError
	switch {
	case errors.As(err, &unknown):
		s.log.Info("unknown upstream class", "class", unknown.Class)
		return nil
	case err != nil:
		s.log.Debug("dropping upstream line", "error", err, "line", string(line))
		return nil
	}

	raw := protocol.Line(line)
	class := msg.Kind()
	s.archive.Observe(class, raw, msg, now)

	switch m := msg.(type) {
	case protocol.Version:
		if s.upState != upStreaming {
			s.upState = upStreaming
			s.backoff.Reset()
			s.status.SetUpstream(now, s.src.String(), s.upState.String(), nil)
		}
		s.log.Info("upstream version", "release", m.Release, "proto", fmt.Sprintf("%d.%d", m.ProtoMajor, m.ProtoMinor))
		s.send(protocol.WatchCommand(watchAll))
	case protocol.TPV:
		s.directFix(raw, m, now)
	case protocol.SKY:
		if s.decide(archive.Entry{Class: class, Raw: raw, Msg: m, At: now}, now) {
			s.archive.RecordSent(class, raw, m, now)
			s.fanout(raw)
		}
	case protocol.Device, protocol.PPS:
		s.fanout(raw)
	case protocol.Devices:
		s.log.Debug("upstream devices", "count", len(m.Devices))
	case protocol.Watch, protocol.Poll:
		s.log.Debug("upstream reply", "class", class)
	}
	return nil
}

// decide runs the change filter against the last propagated entry of the same class.
func (s *Server) decide(cand archive.Entry, now time.Time) bool {
	d := s.filter.ShouldPropagate(s.archive.LastSent(cand.Class), cand, now)
	s.status.CountDecision(d.Propagate)
	s.log.Debug("filter", "class", cand.Class, "propagate", d.Propagate, "reason", d.Reason.String())
	return d.Propagate
}

func (s *Server) directFix(raw []byte, tpv protocol.TPV, now time.Time) {
	usable := tpv.HasPosition() && tpv.Mode >= protocol.Mode2D
	if usable {
		s.lastDirect = now
	}
	// A direct fix replaces a peer-derived position without waiting out the debounce.
	if last, ok := s.archive.LastSent(protocol.ClassTPV).TPV(); ok && usable && last.FromPeers() {
		s.status.CountDecision(true)
		s.log.Info("direct fix replaces peer position")
		s.propagate(raw, tpv, now, true)
		return
	}
	if !s.decide(archive.Entry{Class: protocol.ClassTPV, Raw: raw, Msg: tpv, At: now}, now) {
		return
	}
	s.propagate(raw, tpv, now, true)
}

// propagate sends an accepted TPV to clients and every secondary consumer.
func (s *Server) propagate(raw []byte, tpv protocol.TPV, now time.Time, direct bool) {
	s.archive.RecordSent(protocol.ClassTPV, raw, tpv, now)
	s.status.PositionChanged(tpv)
	s.fanout(raw)
	if !tpv.HasPosition() {
		return
	}
	if s.store != nil {
		if err := s.store.WriteCurrent(raw); err != nil {
			s.log.Warn("write current position", "error", err)
		}
		if direct {
			if err := s.store.AppendDirect(raw); err != nil {
				s.log.Warn("append track", "error", err)
			}
		} else if _, err := s.store.AppendPeer(tpv); err != nil {
			s.log.Warn("append peer track", "error", err)
		}
	}
	if direct && s.sharer != nil {
		s.sharer.Publish(raw)
	}
	s.notifier.PositionChanged(tpv)
}
