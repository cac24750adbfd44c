package sim

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"pwn-gpsd/internal/protocol"
)

// Server speaks enough of the gpsd protocol for the proxy: VERSION on connect, DEVICES and a
// stream of TPV reports once a client enables WATCH.
type Server struct {
	Walk     Walk
	Interval time.Duration
	Logger   *slog.Logger
	Now      func() time.Time
}

func (s *Server) defaults() {
	if s.Interval <= 0 {
		s.Interval = time.Second
	}
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	if s.Now == nil {
		s.Now = time.Now
	}
	if s.Walk.Device == "" {
		s.Walk.Device = "/dev/sim0"
	}
}

// Serve accepts clients on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.defaults()
	var wg sync.WaitGroup
	defer wg.Wait()

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serveConn(ctx, conn)
		}()
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	log := s.Logger.With("client", conn.RemoteAddr().String())
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	out := make(chan []byte, 16)
	watch := make(chan bool, 1)
	readerDone := make(chan struct{})
	defer func() {
		_ = conn.Close()
		<-readerDone
	}()

	go func() {
		defer close(readerDone)
		defer cancel()
		sc := bufio.NewScanner(conn)
		for sc.Scan() {
			cmd, err := protocol.ParseCommand(sc.Bytes())
			if err != nil {
				continue
			}
			switch cmd.Kind {
			case protocol.CommandWatch:
				if cmd.Watch.Enable != nil {
					select {
					case watch <- *cmd.Watch.Enable:
					case <-ctx.Done():
						return
					}
				}
			case protocol.CommandDevices:
				select {
				case out <- s.devices():
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	version, _ := protocol.Encode(protocol.Version{
		Class:      protocol.ClassVersion,
		Release:    "pwn-gpsd-sim",
		Rev:        "sim",
		ProtoMajor: 3,
		ProtoMinor: 14,
	})
	if _, err := conn.Write(version); err != nil {
		return
	}

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	streaming := false
	for {
		var b []byte
		select {
		case <-ctx.Done():
			return
		case on := <-watch:
			if on && !streaming {
				log.Debug("sim watch enabled")
				b = s.devices()
			}
			streaming = on
		case b = <-out:
		case <-ticker.C:
			if streaming {
				b, _ = protocol.Encode(s.Walk.TPV(s.Now()))
			}
		}
		if len(b) == 0 {
			continue
		}
		if _, err := conn.Write(b); err != nil {
			return
		}
	}
}

func (s *Server) devices() []byte {
	b, _ := protocol.Encode(protocol.Devices{
		Class: protocol.ClassDevices,
		Devices: []protocol.Device{{
			Class:  protocol.ClassDevice,
			Path:   s.Walk.Device,
			Driver: "simulator",
		}},
	})
	return b
}
