package mesh

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"pwn-gpsd/internal/peercrypt"
)

// Sharer publishes this node's encrypted position into its advertisement from a background
// goroutine. Only the newest pending position is kept.
type Sharer struct {
	mesh    Mesh
	box     *peercrypt.Box
	field   string
	limiter *rate.Limiter
	timeout time.Duration
	log     *slog.Logger

	pending chan []byte
	wg      sync.WaitGroup
	cancel  context.CancelFunc

	published atomic.Uint64
	failed    atomic.Uint64
}

type SharerConfig struct {
	Field string
	// MinInterval caps how often the advertisement is rewritten.
	MinInterval time.Duration
	Timeout     time.Duration
	Logger      *slog.Logger
}

func NewSharer(m Mesh, box *peercrypt.Box, cfg SharerConfig) *Sharer {
	if cfg.Field == "" {
		cfg.Field = PositionField
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	limit := rate.Inf
	if cfg.MinInterval > 0 {
		limit = rate.Every(cfg.MinInterval)
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Sharer{
		mesh:    m,
		box:     box,
		field:   cfg.Field,
		limiter: rate.NewLimiter(limit, 1),
		timeout: cfg.Timeout,
		log:     log,
		pending: make(chan []byte, 1),
	}
}

func (s *Sharer) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
}

// Publish replaces any pending position with raw. It never blocks and must be called from a
// single goroutine.
func (s *Sharer) Publish(raw []byte) {
	raw = append([]byte(nil), raw...)
	select {
	case s.pending <- raw:
		return
	default:
	}
	select {
	case <-s.pending:
	default:
	}
	select {
	case s.pending <- raw:
	default:
	}
}

func (s *Sharer) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Sharer) Published() uint64 { return s.published.Load() }
func (s *Sharer) Failed() uint64    { return s.failed.Load() }

func (s *Sharer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw := <-s.pending:
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}
			// A newer position may have arrived while waiting.
			select {
			case newer := <-s.pending:
				raw = newer
			default:
			}
			s.share(ctx, raw)
		}
	}
}

func (s *Sharer) share(ctx context.Context, raw []byte) {
	// Peers expect the position line encoded as a JSON string.
	token, err := s.box.Encrypt(string(raw))
	if err != nil {
		s.failed.Add(1)
		s.log.Warn("encrypt position for mesh", "error", err)
		return
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.mesh.SetField(cctx, s.field, token); err != nil {
		s.failed.Add(1)
		s.log.Warn("update mesh advertisement", "error", err)
		if aerr := s.mesh.Advertise(cctx, true); aerr != nil {
			s.log.Debug("re-enable advertising", "error", aerr)
		}
		return
	}
	s.published.Add(1)
	s.log.Debug("shared position with mesh", "bytes", len(token))
}
