package proxy

import (
	"context"
	"time"

	"pwn-gpsd/internal/archive"
	"pwn-gpsd/internal/fusion"
	"pwn-gpsd/internal/mesh"
	"pwn-gpsd/internal/protocol"
)

func (s *Server) fusionEnabled() bool {
	return s.fuser != nil && s.mesh != nil
}

// directFresh reports whether a direct fix arrived within the direct fix TTL.
func (s *Server) directFresh(now time.Time) bool {
	return !s.lastDirect.IsZero() && now.Sub(s.lastDirect) < s.cfg.Peers.DirectFixTTL
}

// maybeFuse starts a mesh fetch when one is due. The fetch runs off the loop.
func (s *Server) maybeFuse(now time.Time) {
	if !s.fusionEnabled() || s.fetching {
		return
	}
	if !s.lastFusion.IsZero() && now.Sub(s.lastFusion) < s.cfg.Peers.Interval {
		return
	}
	s.lastFusion = now
	if s.directFresh(now) {
		return
	}
	s.fetching = true
	ctx, m := s.ctx, s.mesh
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		peers, err := m.Peers(cctx)
		s.post(func(s *Server) error {
			s.fusePeers(peers, err)
			return nil
		})
	}()
}

func advertisements(peers []mesh.Peer) []fusion.Advertisement {
	ads := make([]fusion.Advertisement, 0, len(peers))
	for _, p := range peers {
		tok := p.Field(mesh.PositionField)
		if tok == "" {
			continue
		}
		ads = append(ads, fusion.Advertisement{ID: p.ID(), Name: p.Name(), RSSI: p.RSSI, Token: tok})
	}
	return ads
}

// fusePeers runs one fusion round on the loop.
func (s *Server) fusePeers(peers []mesh.Peer, err error) {
	s.fetching = false
	if err != nil {
		s.log.Warn("fetching mesh peers", "error", err)
		s.status.MarkFusion(0, false)
		return
	}
	now := s.now()
	fused, n, ok := s.fuser.Round(advertisements(peers))
	if !ok {
		s.log.Debug("no usable peer positions", "peers", len(peers), "decoded", n)
		s.status.MarkFusion(n, false)
		return
	}
	// A direct fix may have landed while the fetch was in flight.
	if s.directFresh(now) {
		s.status.MarkFusion(n, false)
		return
	}
	if !fusion.Accept(s.archive.LastSent(protocol.ClassTPV), fused, now, s.cfg.Peers.DowngradeWindow) {
		s.log.Debug("fused fix would downgrade current position", "mode", fused.Mode)
		s.status.MarkFusion(n, false)
		return
	}
	raw, err := protocol.Encode(fused)
	if err != nil {
		s.log.Warn("encode fused position", "error", err)
		s.status.MarkFusion(n, false)
		return
	}
	s.archive.Observe(protocol.ClassTPV, raw, fused, now)
	accepted := s.decide(archive.Entry{Class: protocol.ClassTPV, Raw: raw, Msg: fused, At: now}, now)
	s.status.MarkFusion(n, accepted)
	if !accepted {
		return
	}
	s.log.Info("using peer position", "peers", n, "lat", *fused.Lat, "lon", *fused.Lon, "mode", fused.Mode)
	s.propagate(raw, fused, now, false)
}
