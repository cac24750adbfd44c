// Package proxy runs the relay: one upstream gpsd (or NMEA receiver), any number of gpsd
// clients, and optional position fusion from mesh peers.
//
// All proxy state is owned by the goroutine running Server.Run. Socket readers, socket writers,
// the upstream dialer and mesh fetches run in their own goroutines and hand results to the loop
// as dispatch functions.
package proxy

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"pwn-gpsd/internal/archive"
	"pwn-gpsd/internal/config"
	"pwn-gpsd/internal/filter"
	"pwn-gpsd/internal/fusion"
	"pwn-gpsd/internal/mesh"
	"pwn-gpsd/internal/notify"
	"pwn-gpsd/internal/peercrypt"
	"pwn-gpsd/internal/track"
	"pwn-gpsd/internal/upstream"
	"pwn-gpsd/internal/web"
)

// DialFunc opens an upstream connection.
type DialFunc func(ctx context.Context, src upstream.Source, timeout time.Duration) (io.ReadWriteCloser, error)

type Options struct {
	Config config.Config
	Logger *slog.Logger

	// Box encrypts shared positions and decrypts peer positions. Required when peers are used.
	Box *peercrypt.Box
	// Mesh is the pwngrid API. Nil disables sharing and fusion.
	Mesh mesh.Mesh
	// Store persists tracks and the current position. Nil disables persistence.
	Store    *track.Store
	Notifier notify.Notifier
	Status   *web.Status

	// Listener, when set, is used instead of binding Config.Listen.
	Listener net.Listener
	Dial     DialFunc
	Now      func() time.Time
}

type dispatch func(s *Server) error

type upstreamState int

const (
	upDisconnected upstreamState = iota
	upConnecting
	upStreaming
)

func (u upstreamState) String() string {
	switch u {
	case upConnecting:
		return "connecting"
	case upStreaming:
		return "streaming"
	default:
		return "disconnected"
	}
}

type Server struct {
	cfg      config.Config
	log      *slog.Logger
	now      func() time.Time
	dial     DialFunc
	status   *web.Status
	notifier notify.Notifier
	store    *track.Store
	mesh     mesh.Mesh
	sharer   *mesh.Sharer

	archive *archive.Archive
	filter  *filter.Filter
	fuser   *fusion.Fuser

	ln       net.Listener
	dispatch chan dispatch
	done     chan struct{}
	ctx      context.Context
	wg       sync.WaitGroup

	sessions map[uint64]*session
	nextID   uint64

	src        upstream.Source
	link       *upstream.Link
	linkGen    uint64
	upState    upstreamState
	backoff    *upstream.Backoff
	lastDirect time.Time

	fetching   bool
	lastFusion time.Time
}

func New(opts Options) (*Server, error) {
	cfg := opts.Config
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		log:      log,
		now:      opts.Now,
		dial:     opts.Dial,
		status:   opts.Status,
		notifier: opts.Notifier,
		store:    opts.Store,
		mesh:     opts.Mesh,
		ln:       opts.Listener,
		archive:  archive.New(),
		filter: filter.New(filter.Config{
			MinPeriod:    cfg.Filter.MinPeriod,
			Heartbeat:    cfg.Filter.Heartbeat,
			Decimals:     cfg.Filter.Decimals,
			AltPrecision: cfg.Filter.AltPrecision,
		}),
		dispatch: make(chan dispatch, 256),
		done:     make(chan struct{}),
		sessions: make(map[uint64]*session),
		backoff:  upstream.NewBackoff(),
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.dial == nil {
		s.dial = upstream.Dial
	}
	if s.status == nil {
		s.status = web.NewStatus()
	}
	if s.notifier == nil {
		s.notifier = notify.Multi{}
	}
	if !cfg.FusionOnly() {
		src, err := cfg.Source()
		if err != nil {
			return nil, fatal(ExitConfig, err)
		}
		s.src = src
	}
	if s.mesh != nil && opts.Box != nil {
		if cfg.Peers.UseShared {
			s.fuser = fusion.NewFuser(opts.Box, cfg.Peers.CacheTTL, log.With("component", "fusion"))
		}
		if cfg.Peers.Share {
			s.sharer = mesh.NewSharer(s.mesh, opts.Box, mesh.SharerConfig{
				MinInterval: cfg.Peers.ShareMinInterval,
				Logger:      log.With("component", "share"),
			})
		}
	}
	mode := "proxy"
	if cfg.FusionOnly() {
		mode = "fusion-only"
	}
	s.status.SetStatic(mode, cfg.ListenAddr())
	return s, nil
}

// Addr is the bound client listener address. It is nil before Run binds.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Run serves until ctx is cancelled, the configured iteration budget is spent, or a fatal
// condition occurs. A fatal condition is returned as *FatalError.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.ctx = ctx
	defer func() {
		cancel()
		s.shutdown()
	}()

	if s.ln == nil {
		ln, err := s.listen(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		s.ln = ln
	}
	s.log.Info("listening for gpsd clients", "addr", s.ln.Addr().String())
	s.wg.Add(1)
	go s.acceptLoop(s.ln)

	if s.sharer != nil {
		s.sharer.Start(ctx)
	}
	if s.mesh != nil && s.cfg.MeshEnabled() {
		s.goAdvertise(ctx)
	}
	if s.cfg.FusionOnly() {
		s.log.Info("no upstream configured, positions come from mesh peers only")
	} else {
		s.connect()
	}

	wake := time.NewTicker(s.cfg.Loop.PollTimeout)
	defer wake.Stop()

	for i := 0; s.cfg.Loop.Iterations <= 0 || i < s.cfg.Loop.Iterations; i++ {
		select {
		case <-ctx.Done():
			s.log.Info("stopping", "reason", context.Cause(ctx))
			return nil
		case fn := <-s.dispatch:
			start := time.Now()
			if err := fn(s); err != nil {
				s.log.Error("fatal", "error", err)
				return err
			}
			if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
				s.log.Warn("dispatch took a long time", "elapsed", elapsed, "queued", len(s.dispatch))
			}
		case <-wake.C:
			s.tick(s.now())
		}
	}
	s.log.Info("iteration budget spent", "iterations", s.cfg.Loop.Iterations)
	return nil
}

// post hands fn to the loop. It reports false once the loop has stopped.
func (s *Server) post(fn dispatch) bool {
	select {
	case s.dispatch <- fn:
		return true
	case <-s.done:
		return false
	}
}

// tick runs periodic work on every loop wakeup.
func (s *Server) tick(now time.Time) {
	s.maybeFuse(now)
}

func (s *Server) shutdown() {
	close(s.done)
	if s.ln != nil {
		_ = s.ln.Close()
	}
	for id := range s.sessions {
		s.closeSession(id, nil)
	}
	if s.link != nil {
		s.retire(s.link)
		s.link = nil
	}
	if s.sharer != nil {
		s.sharer.Close()
	}
	s.wg.Wait()
	s.status.SetClients(0, 0)
	s.log.Info("stopped")
}

func (s *Server) goAdvertise(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := s.mesh.Advertise(cctx, true); err != nil {
			s.log.Warn("enable mesh advertising", "error", err)
		}
	}()
}
