// watchmux/ffmpeg/progress.go
package ffmpeg

import (
	"log"
	"strconv"
	"strings"
)

// ProgressReport is one position sample from a running transcode. Values
// are ephemeral; they exist only for display and are never persisted.
type ProgressReport struct {
	Position float64 // seconds of output written so far
	Duration float64 // total expected seconds (from the source probe)
	Done     bool    // tool reported progress=end
}

// Percent returns the completion percentage clamped to [0, 100].
func (r ProgressReport) Percent() float64 {
	if r.Done {
		return 100
	}
	if r.Duration <= 0 {
		return 0
	}
	pct := r.Position / r.Duration * 100
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

// ProgressSink receives progress samples from a running transcode. The
// display collaborator implements this; Report must not block.
type ProgressSink interface {
	Report(ProgressReport)
}

// NopSink discards all reports.
type NopSink struct{}

func (NopSink) Report(ProgressReport) {}

// LogSink logs progress for a label at every 10% step. It stands in for
// the interactive progress bar when output goes to a log file.
type LogSink struct {
	Label    string
	lastStep int
}

func (s *LogSink) Report(r ProgressReport) {
	step := int(r.Percent()) / 10
	if step <= s.lastStep && !r.Done {
		return
	}
	s.lastStep = step
	log.Printf("Converting %s: %.1f%%", s.Label, r.Percent())
}

// MultiSink fans each report out to every sink in order.
func MultiSink(sinks ...ProgressSink) ProgressSink {
	return multiSink(sinks)
}

type multiSink []ProgressSink

func (m multiSink) Report(r ProgressReport) {
	for _, s := range m {
		s.Report(r)
	}
}

// parseProgressLine parses one key=value line from ffmpeg's
// "-progress pipe:1" stream. It returns the updated position in seconds
// (negative when the line carries no position) and whether the tool
// declared the run finished.
func parseProgressLine(line string) (position float64, done bool) {
	key, value, found := strings.Cut(strings.TrimSpace(line), "=")
	if !found {
		return -1, false
	}

	switch key {
	case "out_time_us", "out_time_ms":
		// Despite the name, out_time_ms is in microseconds too.
		us, err := strconv.ParseInt(value, 10, 64)
		if err != nil || us < 0 {
			return -1, false
		}
		return float64(us) / 1e6, false
	case "progress":
		return -1, value == "end"
	}
	return -1, false
}
