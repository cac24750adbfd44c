// Package upstream connects to the position source: a gpsd daemon over TCP or an NMEA receiver
// on a serial port.
package upstream

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultAddr        = "127.0.0.1:2947"
	DefaultBaud        = 9600
	DefaultDialTimeout = 2 * time.Second
)

type Kind int

const (
	KindGPSD Kind = iota
	KindSerial
)

func (k Kind) String() string {
	if k == KindSerial {
		return "serial"
	}
	return "gpsd"
}

// Source is a parsed upstream address.
type Source struct {
	Kind Kind
	// Addr is host:port for gpsd, or the device path for serial.
	Addr string
	Baud int
}

func (s Source) String() string {
	if s.Kind == KindSerial {
		return fmt.Sprintf("serial://%s?baud=%d", s.Addr, s.Baud)
	}
	return s.Addr
}

// ParseSource accepts host:port, gpsd://host:port and serial:///dev/tty...?baud=N.
func ParseSource(raw string) (Source, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Source{Kind: KindGPSD, Addr: DefaultAddr}, nil
	}
	if !strings.Contains(raw, "://") && !strings.HasPrefix(raw, "serial:") {
		if _, _, err := net.SplitHostPort(raw); err != nil {
			return Source{}, fmt.Errorf("upstream %q: %w", raw, err)
		}
		return Source{Kind: KindGPSD, Addr: raw}, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Source{}, fmt.Errorf("upstream %q: %w", raw, err)
	}
	switch u.Scheme {
	case "gpsd", "tcp":
		if u.Host == "" {
			return Source{}, fmt.Errorf("upstream %q: missing host", raw)
		}
		addr := u.Host
		if u.Port() == "" {
			addr = net.JoinHostPort(u.Hostname(), "2947")
		}
		return Source{Kind: KindGPSD, Addr: addr}, nil
	case "serial":
		path := u.Path
		if path == "" {
			path = u.Opaque
		}
		if path == "" {
			return Source{}, fmt.Errorf("upstream %q: missing device path", raw)
		}
		baud := DefaultBaud
		if b := u.Query().Get("baud"); b != "" {
			n, err := strconv.Atoi(b)
			if err != nil || n <= 0 {
				return Source{}, fmt.Errorf("upstream %q: bad baud %q", raw, b)
			}
			baud = n
		}
		return Source{Kind: KindSerial, Addr: path, Baud: baud}, nil
	default:
		return Source{}, fmt.Errorf("upstream %q: unsupported scheme %q", raw, u.Scheme)
	}
}

// Dial opens the source. gpsd connections use a dial timeout; serial ports are configured raw.
func Dial(ctx context.Context, src Source, timeout time.Duration) (io.ReadWriteCloser, error) {
	switch src.Kind {
	case KindSerial:
		f, err := openSerial(src.Addr, src.Baud)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", src, err)
		}
		return f, nil
	default:
		if timeout <= 0 {
			timeout = DefaultDialTimeout
		}
		d := &net.Dialer{Timeout: timeout}
		conn, err := d.DialContext(ctx, "tcp", src.Addr)
		if err != nil {
			return nil, fmt.Errorf("dial gpsd %s: %w", src.Addr, err)
		}
		return conn, nil
	}
}
