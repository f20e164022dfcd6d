// watchmux/job/coordinator.go
package job

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"watchmux/config"
	"watchmux/ffmpeg"
	"watchmux/metrics"
	"watchmux/watch"
)

// ErrVerificationFailed means the transcoded output did not pass the
// post-conversion integrity check. Transient: the temp file is deleted
// and the conversion retried.
var ErrVerificationFailed = errors.New("output failed verification")

// recentLimit bounds how many finished jobs are kept for the status API.
const recentLimit = 100

// Runner is the transcoding subprocess boundary. Implemented by
// ffmpeg.Runner; mocked in tests.
type Runner interface {
	Transcode(ctx context.Context, src, dst string, duration float64, sink ffmpeg.ProgressSink) error
}

// Prober is the metadata query boundary. Implemented by ffmpeg.Prober.
type Prober interface {
	Probe(ctx context.Context, path string) (*ffmpeg.MediaInfo, error)
}

// Settler decides when a candidate file has been fully written.
// Implemented by watch.Settler.
type Settler interface {
	Wait(ctx context.Context, path string) (int64, error)
}

// Coordinator owns the job table and the conversion worker pool. It
// deduplicates filesystem events into jobs, enforces at most one active
// job per source path, bounds concurrent transcodes, and drives each
// job's state machine to a terminal state.
type Coordinator struct {
	cfg     *config.Config
	runner  Runner
	prober  Prober
	settler Settler

	mu      sync.Mutex
	active  map[string]*Job          // source path → active job
	claims  map[string]string        // folded destination path → source path
	pending map[string]*time.Timer   // source path → debounce timer
	retries map[*Job]*time.Timer     // jobs waiting out a retry backoff
	recent  []Snapshot               // terminal jobs, newest last

	queue chan *Job
	sem   chan struct{}

	ctx context.Context // guarded by mu; set once by Start
	wg  sync.WaitGroup
}

func NewCoordinator(cfg *config.Config, runner Runner, prober Prober, settler Settler) *Coordinator {
	return &Coordinator{
		cfg:     cfg,
		runner:  runner,
		prober:  prober,
		settler: settler,
		active:  make(map[string]*Job),
		claims:  make(map[string]string),
		pending: make(map[string]*time.Timer),
		retries: make(map[*Job]*time.Timer),
		queue:   make(chan *Job, cfg.QueueSize),
		sem:     make(chan struct{}, cfg.MaxConcurrency),
		ctx:     context.Background(),
	}
}

// Start launches the worker loop. Seed must be called before live events
// are consumed so files present at launch are not missed.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()
	log.Printf("Coordinator started. Concurrency limit: %d", c.cfg.MaxConcurrency)
	c.wg.Add(1)
	go c.workerLoop(ctx)
}

// context returns the lifecycle context. Before Start it is a background
// context, so enqueueing ahead of Start blocks instead of panicking.
func (c *Coordinator) context() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctx
}

// Wait blocks until in-flight workers have finished after ctx cancel.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Seed enqueues the initial scan backlog. Identity dedup by path makes a
// later live event for the same file harmless.
func (c *Coordinator) Seed(paths []string) {
	for _, p := range paths {
		c.discover(p)
	}
}

// Consume processes the watcher's event stream until it closes.
func (c *Coordinator) Consume(events <-chan watch.Event) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for ev := range events {
			c.HandleEvent(ev)
		}
	}()
}

// HandleEvent is the ingestion edge: filter, debounce, dedup. It never
// blocks on conversion work.
func (c *Coordinator) HandleEvent(ev watch.Event) {
	if !c.isCandidate(ev.Path) {
		return
	}

	switch ev.Op {
	case watch.Removed:
		c.sourceRemoved(ev.Path)
	case watch.Created, watch.Modified:
		c.debounce(ev.Path)
	}
}

// isCandidate filters to the configured source extension, skipping
// dotfiles (our own temp outputs live under dot names).
func (c *Coordinator) isCandidate(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	return strings.EqualFold(filepath.Ext(base), c.cfg.SourceExt)
}

// debounce collapses a burst of events for one path into a single
// discovery. Each event restarts the window; the file is only enqueued
// once it has been quiet for the full window.
func (c *Coordinator) debounce(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// An active job already owns this path. Its own settle check (or the
	// retry path) re-observes the final file state; a second job would
	// violate the one-job-per-path invariant.
	if _, busy := c.active[path]; busy {
		return
	}

	if t, ok := c.pending[path]; ok {
		t.Reset(c.cfg.DebounceWindow)
		return
	}
	c.pending[path] = time.AfterFunc(c.cfg.DebounceWindow, func() {
		c.discover(path)
	})
}

// sourceRemoved cancels a pending debounce and aborts a job still
// settling on the deleted path. A job past settling is left alone: its
// transcode already holds the file open, and the verify chain surfaces
// any real problem.
func (c *Coordinator) sourceRemoved(path string) {
	c.mu.Lock()
	if t, ok := c.pending[path]; ok {
		t.Stop()
		delete(c.pending, path)
	}
	j := c.active[path]
	c.mu.Unlock()

	if j != nil && j.State() == StateSettling {
		log.Printf("[%s] Source removed while settling: %s", j.ID, path)
		j.Cancel()
	}
}

// discover creates and enqueues the job for a path, enforcing the
// per-path invariant and the destination claim.
func (c *Coordinator) discover(path string) {
	j := newJob(path, c.cfg.TargetExt)

	c.mu.Lock()
	delete(c.pending, path)

	if _, busy := c.active[path]; busy {
		c.mu.Unlock()
		return
	}

	if owner, claimed := c.claims[j.destKey()]; claimed && owner != path {
		c.mu.Unlock()
		log.Printf("[%s] Naming conflict: %s and %s both map to %s", j.ID, owner, path, j.DestPath)
		j.setErr(fmt.Errorf("%w: %s also owned by %s", ErrNamingConflict, j.DestPath, owner))
		j.setState(StateFailedPermanent)
		j.markFinished()
		c.recordTerminal(j)
		metrics.JobsFailed.WithLabelValues("naming-conflict").Inc()
		return
	}

	c.active[path] = j
	c.claims[j.destKey()] = path
	c.mu.Unlock()

	metrics.JobsActive.Inc()
	log.Printf("[%s] Discovered %s", j.ID, path)
	c.enqueue(j)
}

// enqueue pushes without blocking the caller; when the buffered queue is
// full the push moves to a goroutine so event ingestion keeps flowing.
func (c *Coordinator) enqueue(j *Job) {
	select {
	case c.queue <- j:
	default:
		go func() {
			select {
			case c.queue <- j:
			case <-c.context().Done():
			}
		}()
	}
	metrics.QueueDepth.Set(float64(len(c.queue)))
}

// workerLoop hands queued jobs to the bounded worker pool. Pending
// debounce and retry timers are stopped on the way out, so Wait returns
// with no callbacks left to fire.
func (c *Coordinator) workerLoop(ctx context.Context) {
	defer c.wg.Done()
	defer c.stopTimers()
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-c.queue:
			metrics.QueueDepth.Set(float64(len(c.queue)))
			select {
			case c.sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			c.wg.Add(1)
			go func(j *Job) {
				defer func() {
					<-c.sem
					c.wg.Done()
				}()
				c.runJob(j)
			}(j)
		}
	}
}

// runJob executes one attempt of the job state machine and routes the
// outcome: success, permanent failure, retry with backoff, or silent
// drop at shutdown. Per-job errors never escape this boundary.
func (c *Coordinator) runJob(j *Job) {
	runCtx := c.context()
	jobCtx, cancel := context.WithTimeout(runCtx, c.cfg.JobTimeout)
	j.setCancel(cancel)
	defer cancel()

	j.mu.Lock()
	j.attempts++
	attempt := j.attempts
	j.mu.Unlock()

	err := c.convert(jobCtx, j)
	if err == nil {
		c.finish(j, StateConverted, nil, "")
		return
	}

	// Shutdown: in-flight work is dropped; the next startup scan
	// rediscovers whatever sources remain.
	if runCtx.Err() != nil {
		os.Remove(j.TempPath)
		c.drop(j)
		return
	}

	switch {
	case errors.Is(err, watch.ErrSourceVanished):
		c.finish(j, StateFailedPermanent, err, "source-vanished")
	case errors.Is(err, context.Canceled):
		// Cancelled by a delete event, not by shutdown.
		c.finish(j, StateFailedPermanent, watch.ErrSourceVanished, "source-vanished")
	case errors.Is(err, ffmpeg.ErrUnreadableMedia):
		c.finish(j, StateFailedPermanent, err, "unreadable-media")
	case errors.Is(err, ErrNamingConflict):
		c.finish(j, StateFailedPermanent, err, "naming-conflict")
	default:
		// Transient: tool crash, verification failure, low resources,
		// job timeout. The temp file is already gone (the runner removes
		// it on failure; verify/finalize remove it explicitly).
		if attempt > c.cfg.RetryLimit {
			c.finish(j, StateFailedPermanent, fmt.Errorf("retry limit reached: %w", err), "retries-exhausted")
			return
		}
		c.retry(j, attempt, err)
	}
}

// convert is one pass through the state machine:
// settle → probe → transcode → verify → finalize.
func (c *Coordinator) convert(ctx context.Context, j *Job) error {
	// --- Settling ---
	j.setState(StateSettling)
	size, err := c.settler.Wait(ctx, j.Source)
	if err != nil {
		return err
	}
	log.Printf("[%s] Settled at %d bytes: %s", j.ID, size, j.Source)

	// --- Probing ---
	j.setState(StateProbing)
	info, err := c.prober.Probe(ctx, j.Source)
	if err != nil {
		return err
	}
	j.mu.Lock()
	j.duration = info.Duration
	j.resolution = info.Resolution()
	j.mu.Unlock()
	log.Printf("[%s] Probed %s: %s, %.1fs, video=%s", j.ID, filepath.Base(j.Source), info.Resolution(), info.Duration, info.VideoCodec)

	// The destination may exist from a previous run or a colliding
	// sibling; never overwrite it.
	if _, err := os.Stat(j.DestPath); err == nil {
		return fmt.Errorf("%w: %s exists", ErrNamingConflict, j.DestPath)
	}

	// --- Transcoding ---
	j.setState(StateTranscoding)
	sink := ffmpeg.MultiSink(j, &ffmpeg.LogSink{Label: filepath.Base(j.Source)})
	if err := c.runner.Transcode(ctx, j.Source, j.TempPath, info.Duration, sink); err != nil {
		return err
	}

	// --- Verifying ---
	j.setState(StateVerifying)
	out, err := c.prober.Probe(ctx, j.TempPath)
	if err != nil {
		os.Remove(j.TempPath)
		return fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	tolerance := c.cfg.DurationTolerance.Seconds()
	if drift := math.Abs(out.Duration - info.Duration); drift > tolerance {
		os.Remove(j.TempPath)
		return fmt.Errorf("%w: duration drift %.2fs exceeds %.2fs (source %.2fs, output %.2fs)",
			ErrVerificationFailed, drift, tolerance, info.Duration, out.Duration)
	}

	// --- Finalizing ---
	j.setState(StateFinalizing)
	if _, err := os.Stat(j.DestPath); err == nil {
		os.Remove(j.TempPath)
		return fmt.Errorf("%w: %s appeared during conversion", ErrNamingConflict, j.DestPath)
	}
	if err := os.Rename(j.TempPath, j.DestPath); err != nil {
		os.Remove(j.TempPath)
		return fmt.Errorf("finalize %s: %w", j.DestPath, err)
	}

	// Output integrity takes priority over cleanup: a failed source
	// delete demotes to a warning, never to a failed job.
	if err := os.Remove(j.Source); err != nil {
		log.Printf("[%s] Warning: converted but source remains: %s: %v", j.ID, j.Source, err)
	}

	if destInfo, err := os.Stat(j.DestPath); err == nil && size > destInfo.Size() {
		saved := size - destInfo.Size()
		metrics.BytesReclaimed.Add(float64(saved))
		log.Printf("[%s] Size: %d -> %d bytes (%d%% of original)", j.ID, size, destInfo.Size(), destInfo.Size()*100/size)
	}

	return nil
}

// retry schedules the job's next attempt after a linear backoff. The job
// stays in the table so duplicate events for the path remain suppressed
// while it waits; the timer is tracked so shutdown can stop it.
func (c *Coordinator) retry(j *Job, attempt int, err error) {
	delay := time.Duration(attempt) * c.cfg.RetryBackoff
	j.setErr(err)
	j.setState(StateFailedTransient)
	metrics.JobRetries.Inc()
	log.Printf("[%s] Attempt %d failed (retrying in %v): %v", j.ID, attempt, delay, err)

	timer := time.AfterFunc(delay, func() {
		c.mu.Lock()
		delete(c.retries, j)
		c.mu.Unlock()

		if c.context().Err() != nil {
			c.drop(j)
			return
		}
		c.enqueue(j)
	})

	c.mu.Lock()
	c.retries[j] = timer
	c.mu.Unlock()
}

// stopTimers halts pending debounce and retry timers at shutdown. Jobs
// whose retry was stopped before firing are dropped here instead.
func (c *Coordinator) stopTimers() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]*time.Timer)
	retries := c.retries
	c.retries = make(map[*Job]*time.Timer)
	c.mu.Unlock()

	for _, t := range pending {
		t.Stop()
	}
	for j, t := range retries {
		if t.Stop() {
			c.drop(j)
		}
	}
}

// finish moves a job to a terminal state and releases its table entries.
func (c *Coordinator) finish(j *Job, state State, err error, reason string) {
	j.setErr(err)
	j.setState(state)
	j.markFinished()

	c.release(j)
	c.recordTerminal(j)
	metrics.JobsActive.Dec()

	if state == StateConverted {
		metrics.JobsConverted.Inc()
		log.Printf("[%s] Converted %s -> %s", j.ID, j.Source, j.DestPath)
	} else {
		metrics.JobsFailed.WithLabelValues(reason).Inc()
		log.Printf("[%s] Failed permanently (%s): %v", j.ID, reason, err)
	}
}

// drop removes a job at shutdown without recording an outcome.
func (c *Coordinator) drop(j *Job) {
	c.release(j)
	metrics.JobsActive.Dec()
}

// release removes the job from the active table and frees its
// destination claim.
func (c *Coordinator) release(j *Job) {
	c.mu.Lock()
	delete(c.active, j.Source)
	if c.claims[j.destKey()] == j.Source {
		delete(c.claims, j.destKey())
	}
	c.mu.Unlock()
}

// recordTerminal appends the job to the bounded recent list.
func (c *Coordinator) recordTerminal(j *Job) {
	snap := j.Snapshot()
	c.mu.Lock()
	c.recent = append(c.recent, snap)
	if len(c.recent) > recentLimit {
		c.recent = c.recent[len(c.recent)-recentLimit:]
	}
	c.mu.Unlock()
}

// Jobs returns snapshots of all active jobs plus the recent terminal
// history, for the status API.
func (c *Coordinator) Jobs() []Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Snapshot, 0, len(c.active)+len(c.recent))
	for _, j := range c.active {
		out = append(out, j.Snapshot())
	}
	out = append(out, c.recent...)
	return out
}

// Get looks a job up by ID across active and recent jobs.
func (c *Coordinator) Get(id string) (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, j := range c.active {
		if j.ID == id {
			return j.Snapshot(), true
		}
	}
	for i := len(c.recent) - 1; i >= 0; i-- {
		if c.recent[i].ID == id {
			return c.recent[i], true
		}
	}
	return Snapshot{}, false
}
