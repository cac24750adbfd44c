package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"

	"pwn-gpsd/internal/upstream"
)

// listen binds the client socket, retrying with backoff while the port is busy.
func (s *Server) listen(ctx context.Context) (net.Listener, error) {
	addr := s.cfg.ListenAddr()
	b := upstream.NewBackoff()
	var lastErr error
	for attempt := 1; attempt <= s.cfg.Listen.BindAttempts; attempt++ {
		var lc net.ListenConfig
		ln, err := lc.Listen(ctx, "tcp", addr)
		if err == nil {
			return ln, nil
		}
		lastErr = err
		wait := b.Next()
		s.log.Warn("bind failed, retrying", "addr", addr, "attempt", attempt, "retry_in", wait, "error", err)
		if !upstream.SleepCtx(ctx, wait) {
			return nil, ctx.Err()
		}
	}
	return nil, fatal(ExitListenExhausted, fmt.Errorf("bind %s: %w", addr, lastErr))
}

// resourceExhausted reports accept errors that usually clear once descriptors are freed.
func resourceExhausted(err error) bool {
	return errors.Is(err, syscall.EMFILE) || errors.Is(err, syscall.ENFILE) ||
		errors.Is(err, syscall.ENOBUFS) || errors.Is(err, syscall.ENOMEM)
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	b := upstream.NewBackoff()
	failures := 0
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if resourceExhausted(err) || (errors.As(err, &ne) && ne.Timeout()) {
				failures++
				if failures >= s.cfg.Listen.AcceptAttempts {
					s.post(func(*Server) error {
						return fatal(ExitListenExhausted, fmt.Errorf("accept: %w", err))
					})
					return
				}
				wait := b.Next()
				s.log.Warn("accept failed, retrying", "retry_in", wait, "error", err)
				if !upstream.SleepCtx(s.ctx, wait) {
					return
				}
				continue
			}
			s.post(func(*Server) error {
				return fatal(ExitClientError, fmt.Errorf("accept: %w", err))
			})
			return
		}
		failures = 0
		b.Reset()
		if !s.post(func(s *Server) error {
			s.addSession(conn)
			return nil
		}) {
			_ = conn.Close()
			return
		}
	}
}
