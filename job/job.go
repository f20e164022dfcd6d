// watchmux/job/job.go
package job

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"

	"watchmux/ffmpeg"
	"watchmux/watch"
)

// State is a conversion job's position in its lifecycle. Terminal states
// are Converted and FailedPermanent; FailedTransient re-enters the queue
// until the retry limit is exhausted.
type State string

const (
	StateDiscovered      State = "discovered"
	StateSettling        State = "settling"
	StateProbing         State = "probing"
	StateTranscoding     State = "transcoding"
	StateVerifying       State = "verifying"
	StateFinalizing      State = "finalizing"
	StateConverted       State = "converted"
	StateFailedTransient State = "failed-transient"
	StateFailedPermanent State = "failed-permanent"
)

// ErrNamingConflict means another source file already claimed this job's
// destination path (case-insensitive). The later job fails rather than
// overwrite.
var ErrNamingConflict = errors.New("destination path already claimed by another source")

// Job is the state machine for converting one source file. At most one
// job per source path is ever active; the coordinator's table enforces
// that invariant.
type Job struct {
	ID       string
	Source   string
	TempPath string
	DestPath string

	mu         sync.Mutex
	state      State
	attempts   int
	progress   float64
	duration   float64
	resolution string
	errText    string
	finishedAt time.Time

	DiscoveredAt time.Time

	cancelMu   sync.Mutex
	cancelFunc context.CancelFunc
}

// newJob derives the temporary and destination paths from the source.
// The destination replaces the source extension; the temp file sits
// alongside the source under the reserved dot/.tmp naming contract.
func newJob(source, targetExt string) *Job {
	ext := extOf(source)
	dest := source[:len(source)-len(ext)] + targetExt
	return &Job{
		ID:           shortuuid.New(),
		Source:       source,
		TempPath:     watch.TempPath(source),
		DestPath:     dest,
		state:        StateDiscovered,
		DiscoveredAt: time.Now(),
	}
}

// extOf returns the final extension including the dot, preserving the
// original casing ("Clip.MKV" → ".MKV").
func extOf(path string) string {
	for i := len(path) - 1; i >= 0 && path[i] != '/'; i-- {
		if path[i] == '.' {
			return path[i:]
		}
	}
	return ""
}

// State returns the job's current state.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

func (j *Job) setState(s State) {
	j.mu.Lock()
	j.state = s
	j.mu.Unlock()
}

// Terminal reports whether the job has finished, successfully or not.
func (j *Job) Terminal() bool {
	s := j.State()
	return s == StateConverted || s == StateFailedPermanent
}

// Attempts returns how many times the job has been run.
func (j *Job) Attempts() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.attempts
}

// Err returns the recorded failure text, empty when none.
func (j *Job) Err() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.errText
}

func (j *Job) setErr(err error) {
	j.mu.Lock()
	if err != nil {
		j.errText = err.Error()
	}
	j.mu.Unlock()
}

// markFinished stamps the terminal time. Snapshot reads it concurrently
// from the status API, so the write stays under the mutex.
func (j *Job) markFinished() {
	j.mu.Lock()
	j.finishedAt = time.Now()
	j.mu.Unlock()
}

// Report implements ffmpeg.ProgressSink: the job is its own progress
// sink, so the status API can read a live percentage.
func (j *Job) Report(r ffmpeg.ProgressReport) {
	j.mu.Lock()
	j.progress = r.Percent()
	j.mu.Unlock()
}

// Snapshot is the read-only view of a job served by the status API.
type Snapshot struct {
	ID           string    `json:"id"`
	Source       string    `json:"source"`
	DestPath     string    `json:"destPath"`
	State        State     `json:"state"`
	Attempts     int       `json:"attempts"`
	Progress     float64   `json:"progress"`
	Duration     float64   `json:"duration,omitempty"`
	Resolution   string    `json:"resolution,omitempty"`
	Error        string    `json:"error,omitempty"`
	DiscoveredAt time.Time `json:"discoveredAt"`
	FinishedAt   time.Time `json:"finishedAt,omitempty"`
}

// Snapshot returns a consistent copy of the job's mutable fields.
func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	return Snapshot{
		ID:           j.ID,
		Source:       j.Source,
		DestPath:     j.DestPath,
		State:        j.state,
		Attempts:     j.attempts,
		Progress:     j.progress,
		Duration:     j.duration,
		Resolution:   j.resolution,
		Error:        j.errText,
		DiscoveredAt: j.DiscoveredAt,
		FinishedAt:   j.finishedAt,
	}
}

// destKey folds the destination path for the claim table, so that
// sources differing only by case cannot silently map onto the same
// output on a case-insensitive filesystem.
func (j *Job) destKey() string {
	return strings.ToLower(j.DestPath)
}

// setCancel stores the cancel handle for the job's active run.
func (j *Job) setCancel(cancel context.CancelFunc) {
	j.cancelMu.Lock()
	j.cancelFunc = cancel
	j.cancelMu.Unlock()
}

// Cancel aborts the job's active run, if any. Used when the source is
// deleted while the job is still settling, and at shutdown.
func (j *Job) Cancel() {
	j.cancelMu.Lock()
	cancel := j.cancelFunc
	j.cancelMu.Unlock()
	if cancel != nil {
		cancel()
	}
}
