package web

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"pwn-gpsd/internal/track"
)

// Tracks serves the daily track files of the state directory, re-reading a file only when it
// changed and the reload interval has passed.
type Tracks struct {
	dir            string
	days           int
	reloadInterval time.Duration
	now            func() time.Time

	mu    sync.Mutex
	cache map[string]*track.Track
}

func NewTracks(dir string, days int, reloadInterval time.Duration) *Tracks {
	if days <= 0 {
		days = 7
	}
	return &Tracks{
		dir:            dir,
		days:           days,
		reloadInterval: reloadInterval,
		now:            time.Now,
		cache:          make(map[string]*track.Track),
	}
}

type TrackSummary struct {
	Name   string        `json:"name"`
	Kind   string        `json:"kind"`
	Count  int           `json:"count"`
	Bounds track.Bounds  `json:"bounds"`
	Last   *track.Point  `json:"last,omitempty"`
	Points []track.Point `json:"points,omitempty"`
}

type TracksResponse struct {
	Tracks []TrackSummary `json:"tracks"`
	Bounds *track.Bounds  `json:"bounds,omitempty"`
}

// List returns the recent tracks of both kinds, newest first within each kind.
func (t *Tracks) List(withPoints bool) (TracksResponse, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	var (
		resp TracksResponse
		errs []error
	)
	all := track.EmptyBounds()
	for _, kind := range []struct{ prefix, name string }{
		{track.DirectPrefix, "direct"},
		{track.PeerPrefix, "peers"},
	} {
		for _, tr := range t.recentLocked(kind.prefix, now, &errs) {
			s := TrackSummary{Name: tr.Name, Kind: kind.name, Count: len(tr.Points), Bounds: tr.Bounds}
			if p, ok := tr.LastPoint(); ok {
				s.Last = &p
			}
			if withPoints {
				s.Points = tr.Points
			}
			all = all.Union(tr.Bounds)
			resp.Tracks = append(resp.Tracks, s)
		}
	}
	if !all.Empty() {
		resp.Bounds = &all
	}
	if resp.Tracks == nil {
		resp.Tracks = []TrackSummary{}
	}
	return resp, errors.Join(errs...)
}

func (t *Tracks) recentLocked(prefix string, now time.Time, errs *[]error) []*track.Track {
	var out []*track.Track
	for i := 0; i < t.days*3 && len(out) < t.days; i++ {
		path := filepath.Join(t.dir, track.FileName(prefix, now.AddDate(0, 0, -i)))
		if tr, ok := t.cache[path]; ok {
			if _, err := tr.Reload(now, t.reloadInterval); err != nil && !errors.Is(err, track.ErrEmptyTrack) {
				if errors.Is(err, fs.ErrNotExist) {
					delete(t.cache, path)
					continue
				}
				*errs = append(*errs, err)
			}
			out = append(out, tr)
			continue
		}
		if _, err := os.Stat(path); err != nil {
			continue
		}
		tr, err := track.Load(path)
		if err != nil {
			if !errors.Is(err, track.ErrEmptyTrack) {
				*errs = append(*errs, err)
			}
			continue
		}
		t.cache[path] = tr
		out = append(out, tr)
	}
	return out
}
