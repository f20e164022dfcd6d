// watchmux/watch/settle.go
package watch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"
)

// ErrSourceVanished means the candidate file was deleted while the settle
// detector was still polling it. The job aborts without retry; there is
// nothing left to convert.
var ErrSourceVanished = errors.New("source file vanished before settling")

// Settler decides when a file that just appeared has stopped being
// written to. Filesystem create/modify events fire on the first write,
// not on completion, so transcoding straight off an event would read a
// partially-written container.
type Settler struct {
	Interval time.Duration // polling interval between samples
	Samples  int           // consecutive unchanged samples required
}

func NewSettler(interval time.Duration, samples int) *Settler {
	return &Settler{Interval: interval, Samples: samples}
}

// Wait polls (size, mtime) for path until Samples consecutive samples are
// identical, then returns the final size. A file renamed into place
// atomically settles after the minimum number of ticks; a file still
// being appended to never falsely settles.
func (s *Settler) Wait(ctx context.Context, path string) (int64, error) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	var (
		lastSize  int64 = -1
		lastMtime time.Time
		stable    int
	)

	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
		}

		info, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				return 0, ErrSourceVanished
			}
			return 0, fmt.Errorf("stat %s: %w", path, err)
		}

		if info.Size() == lastSize && info.ModTime().Equal(lastMtime) {
			stable++
		} else {
			stable = 1
			lastSize = info.Size()
			lastMtime = info.ModTime()
		}

		if stable >= s.Samples {
			return lastSize, nil
		}
	}
}
