package track

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// Recent loads up to days daily tracks of the given prefix, newest first. Missing days are
// skipped; the search looks back at most 3*days calendar days.
func Recent(dir, prefix string, days int, now time.Time) ([]*Track, error) {
	var out []*Track
	var errs []error
	for i := 0; i < days*3 && len(out) < days; i++ {
		path := filepath.Join(dir, FileName(prefix, now.AddDate(0, 0, -i)))
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		t, err := Load(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, t)
	}
	return out, errors.Join(errs...)
}
