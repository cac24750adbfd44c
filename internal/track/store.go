// Package track persists accepted positions to daily track files and a current-position
// snapshot, and reads those files back.
package track

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"pwn-gpsd/internal/protocol"
)

const (
	CurrentFile  = "current.txt"
	DirectPrefix = "pwntrack_"
	PeerPrefix   = "peertrack_"

	dedupWindow   = 24 * time.Hour
	dedupCapacity = 4096
)

var ErrNoPosition = errors.New("track: position has no lat/lon")

// FileName returns the daily track file name for prefix at t, in local time.
func FileName(prefix string, t time.Time) string {
	return prefix + t.Format("20060102") + ".txt"
}

// Store writes track files under one state directory. It is not safe for concurrent use.
type Store struct {
	dir  string
	now  func() time.Time
	seen *ttlcache.Cache[string, struct{}]
}

func NewStore(dir string) *Store {
	return &Store{
		dir: dir,
		now: time.Now,
		seen: ttlcache.New[string, struct{}](
			ttlcache.WithTTL[string, struct{}](dedupWindow),
			ttlcache.WithCapacity[string, struct{}](dedupCapacity),
			ttlcache.WithDisableTouchOnHit[string, struct{}](),
		),
	}
}

func (s *Store) Dir() string { return s.dir }

// CurrentPath is the snapshot file holding the latest accepted position.
func (s *Store) CurrentPath() string { return filepath.Join(s.dir, CurrentFile) }

// WriteCurrent replaces the current-position file with raw.
func (s *Store) WriteCurrent(raw []byte) error {
	line, ok := normalize(raw)
	if !ok {
		return fmt.Errorf("track: empty current position")
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("track: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, ".current-*")
	if err != nil {
		return fmt.Errorf("track: %w", err)
	}
	if _, err := tmp.Write(line); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("track: write current: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("track: write current: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("track: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.CurrentPath()); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("track: replace current: %w", err)
	}
	return nil
}

// AppendDirect appends one direct GPS sample to today's track.
func (s *Store) AppendDirect(raw []byte) error {
	return s.appendLine(DirectPrefix, raw)
}

// AppendPeer appends a fused position to today's peer track unless the same
// (time, lat, lon) was already written. It reports whether a line was written.
func (s *Store) AppendPeer(tpv protocol.TPV) (bool, error) {
	if !tpv.HasPosition() {
		return false, ErrNoPosition
	}
	key := fmt.Sprintf("%s|%d|%d", tpv.Time, protocol.Quantize(*tpv.Lat, 5), protocol.Quantize(*tpv.Lon, 5))
	if s.seen.Has(key) {
		return false, nil
	}
	raw, err := protocol.Encode(tpv)
	if err != nil {
		return false, err
	}
	if err := s.appendLine(PeerPrefix, raw); err != nil {
		return false, err
	}
	s.seen.Set(key, struct{}{}, ttlcache.DefaultTTL)
	return true, nil
}

func (s *Store) appendLine(prefix string, raw []byte) error {
	line, ok := normalize(raw)
	if !ok {
		return nil
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("track: %w", err)
	}
	path := filepath.Join(s.dir, FileName(prefix, s.now()))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("track: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("track: append %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}

// normalize strips NUL bytes, whitespace and trailing commas and terminates the line.
func normalize(raw []byte) ([]byte, bool) {
	b := bytes.ReplaceAll(raw, []byte{0}, nil)
	b = bytes.TrimRight(bytes.TrimSpace(b), ",")
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil, false
	}
	out := make([]byte, len(b)+1)
	copy(out, b)
	out[len(b)] = '\n'
	return out, true
}
