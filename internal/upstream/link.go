package upstream

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"pwn-gpsd/internal/protocol"
)

var (
	// ErrClosed reports that the upstream connection ended or failed.
	ErrClosed = errors.New("upstream closed")
	// ErrMalformed reports a stream that cannot be framed, such as an oversized line.
	ErrMalformed = errors.New("upstream stream malformed")
)

type LinkConfig struct {
	MaxLineBytes int
	WriteTimeout time.Duration
	QueueLen     int
	Logger       *slog.Logger
}

// Link owns one upstream connection and its reader and writer goroutines.
type Link struct {
	src  Source
	conn io.ReadWriteCloser
	cfg  LinkConfig
	log  *slog.Logger

	out     chan []byte
	done    chan struct{}
	closing atomic.Bool
	once    sync.Once
	wg      sync.WaitGroup
}

func NewLink(src Source, conn io.ReadWriteCloser, cfg LinkConfig) *Link {
	if cfg.MaxLineBytes <= 0 {
		cfg.MaxLineBytes = 256 * 1024
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.QueueLen <= 0 {
		cfg.QueueLen = 64
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Link{
		src:  src,
		conn: conn,
		cfg:  cfg,
		log:  log.With("upstream", src.String()),
		out:  make(chan []byte, cfg.QueueLen),
		done: make(chan struct{}),
	}
}

func (l *Link) Source() Source { return l.src }

// Start launches the reader and writer. onLine receives a private copy of every line, with
// NMEA sentences already folded into TPV objects. onClose is called once when the link fails,
// and never after Close.
func (l *Link) Start(onLine func(line []byte), onClose func(err error)) {
	l.wg.Add(2)
	go l.readLoop(onLine, onClose)
	go l.writeLoop(onClose)
}

// Send queues a command for upstream. It reports false when the queue is full or the link is down.
func (l *Link) Send(b []byte) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.out <- b:
		return true
	default:
		return false
	}
}

// Close shuts the connection and waits for both goroutines.
func (l *Link) Close() error {
	l.closing.Store(true)
	l.shutdown()
	l.wg.Wait()
	return nil
}

func (l *Link) shutdown() {
	l.once.Do(func() {
		close(l.done)
		_ = l.conn.Close()
	})
}

func (l *Link) fail(err error, onClose func(error)) {
	first := false
	l.once.Do(func() {
		first = true
		close(l.done)
		_ = l.conn.Close()
	})
	if first && !l.closing.Load() && onClose != nil {
		onClose(err)
	}
}

func (l *Link) readLoop(onLine func([]byte), onClose func(error)) {
	defer l.wg.Done()

	if l.src.Kind == KindSerial {
		for _, line := range serialPreamble(l.src) {
			onLine(line)
		}
	}

	asm := &protocol.NMEAAssembler{Device: l.src.Addr}
	sc := bufio.NewScanner(l.conn)
	sc.Buffer(make([]byte, 0, 4096), l.cfg.MaxLineBytes)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		if line[0] == '$' {
			tpv, ok, err := asm.Apply(string(line))
			if err != nil {
				l.log.Debug("nmea sentence dropped", "error", err)
				continue
			}
			if !ok {
				continue
			}
			b, err := protocol.Encode(tpv)
			if err != nil {
				continue
			}
			onLine(b)
			continue
		}
		onLine(append([]byte(nil), line...))
	}

	err := sc.Err()
	switch {
	case errors.Is(err, bufio.ErrTooLong):
		err = fmt.Errorf("%w: line exceeds %d bytes", ErrMalformed, l.cfg.MaxLineBytes)
	case err == nil:
		err = fmt.Errorf("%w: %v", ErrClosed, io.EOF)
	default:
		err = fmt.Errorf("%w: %v", ErrClosed, err)
	}
	l.fail(err, onClose)
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

func (l *Link) writeLoop(onClose func(error)) {
	defer l.wg.Done()
	for {
		select {
		case <-l.done:
			return
		case b := <-l.out:
			// Receivers on a serial port do not speak the gpsd command set.
			if l.src.Kind == KindSerial {
				continue
			}
			if wd, ok := l.conn.(writeDeadliner); ok {
				_ = wd.SetWriteDeadline(time.Now().Add(l.cfg.WriteTimeout))
			}
			if _, err := l.conn.Write(b); err != nil {
				l.fail(fmt.Errorf("%w: write: %v", ErrClosed, err), onClose)
				return
			}
		}
	}
}

// serialPreamble stands in for the VERSION and DEVICES objects gpsd would send.
func serialPreamble(src Source) [][]byte {
	bps := src.Baud
	version, _ := protocol.Encode(protocol.Version{
		Class:      protocol.ClassVersion,
		Release:    "pwn-gpsd-nmea",
		Rev:        "nmea",
		ProtoMajor: 3,
		ProtoMinor: 14,
	})
	devices, _ := protocol.Encode(protocol.Devices{
		Class: protocol.ClassDevices,
		Devices: []protocol.Device{{
			Class:  protocol.ClassDevice,
			Path:   src.Addr,
			Driver: "NMEA0183",
			Bps:    &bps,
		}},
	})
	return [][]byte{version, devices}
}
