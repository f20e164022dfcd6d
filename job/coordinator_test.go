// watchmux/job/coordinator_test.go
package job

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"watchmux/config"
	"watchmux/ffmpeg"
	"watchmux/watch"
)

func testConfig() *config.Config {
	return &config.Config{
		SourceExt:         ".mkv",
		TargetExt:         ".mp4",
		MaxConcurrency:    2,
		QueueSize:         16,
		DebounceWindow:    10 * time.Millisecond,
		SettleInterval:    5 * time.Millisecond,
		SettleSamples:     1,
		RetryLimit:        3,
		RetryBackoff:      10 * time.Millisecond,
		JobTimeout:        5 * time.Second,
		DurationTolerance: time.Second,
	}
}

// mockRunner simulates the transcode by writing the output file.
type mockRunner struct {
	calls int64
	fn    func(ctx context.Context, src, dst string, duration float64, sink ffmpeg.ProgressSink) error
}

func (m *mockRunner) Transcode(ctx context.Context, src, dst string, duration float64, sink ffmpeg.ProgressSink) error {
	atomic.AddInt64(&m.calls, 1)
	if m.fn != nil {
		return m.fn(ctx, src, dst, duration, sink)
	}
	if sink != nil {
		sink.Report(ffmpeg.ProgressReport{Position: duration, Duration: duration, Done: true})
	}
	return os.WriteFile(dst, []byte("converted"), 0o644)
}

func (m *mockRunner) Calls() int64 { return atomic.LoadInt64(&m.calls) }

// mockProber reports a fixed duration for sources and a slightly drifted
// one for temp outputs, mimicking a real remux.
type mockProber struct {
	fn func(ctx context.Context, path string) (*ffmpeg.MediaInfo, error)
}

func (m *mockProber) Probe(ctx context.Context, path string) (*ffmpeg.MediaInfo, error) {
	if m.fn != nil {
		return m.fn(ctx, path)
	}
	info := &ffmpeg.MediaInfo{Duration: 600.0, Width: 1920, Height: 1080, VideoCodec: "h264"}
	if watch.IsTempName(filepath.Base(path)) {
		info.Duration = 600.3
	}
	return info, nil
}

// mockSettler settles immediately at the file's current size.
type mockSettler struct {
	calls int64
	fn    func(ctx context.Context, path string) (int64, error)
}

func (m *mockSettler) Wait(ctx context.Context, path string) (int64, error) {
	atomic.AddInt64(&m.calls, 1)
	if m.fn != nil {
		return m.fn(ctx, path)
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0, watch.ErrSourceVanished
	}
	return info.Size(), nil
}

func (m *mockSettler) Calls() int64 { return atomic.LoadInt64(&m.calls) }

func startCoordinator(t *testing.T, cfg *config.Config, r Runner, p Prober, s Settler) *Coordinator {
	t.Helper()
	c := NewCoordinator(cfg, r, p, s)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	c.Start(ctx)
	return c
}

// waitTerminal blocks until the job for source reaches a terminal state.
func waitTerminal(t *testing.T, c *Coordinator, source string) Snapshot {
	t.Helper()
	var snap Snapshot
	require.Eventually(t, func() bool {
		for _, s := range c.Jobs() {
			if s.Source == source && (s.State == StateConverted || s.State == StateFailedPermanent) {
				snap = s
				return true
			}
		}
		return false
	}, 3*time.Second, 5*time.Millisecond, "job for %s never reached a terminal state", source)
	return snap
}

func TestSuccessfulConversion(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "clip.mkv")
	require.NoError(t, os.WriteFile(source, []byte("source bytes that are longer than the output"), 0o644))

	runner := &mockRunner{}
	c := startCoordinator(t, testConfig(), runner, &mockProber{}, &mockSettler{})

	c.HandleEvent(watch.Event{Op: watch.Created, Path: source})

	snap := waitTerminal(t, c, source)
	assert.Equal(t, StateConverted, snap.State)
	assert.Equal(t, 1, snap.Attempts)
	assert.InDelta(t, 600.0, snap.Duration, 0.001)
	assert.Equal(t, "1920x1080", snap.Resolution)
	assert.Equal(t, 100.0, snap.Progress)

	assert.FileExists(t, filepath.Join(dir, "clip.mp4"))
	assert.NoFileExists(t, source, "source is deleted after a verified conversion")
	assert.NoFileExists(t, filepath.Join(dir, ".clip.mkv.tmp"))
}

func TestEventBurstYieldsOneJob(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "burst.mkv")
	require.NoError(t, os.WriteFile(source, []byte("data"), 0o644))

	settler := &mockSettler{}
	c := startCoordinator(t, testConfig(), &mockRunner{}, &mockProber{}, settler)

	c.HandleEvent(watch.Event{Op: watch.Created, Path: source})
	for i := 0; i < 9; i++ {
		c.HandleEvent(watch.Event{Op: watch.Modified, Path: source})
	}

	snap := waitTerminal(t, c, source)
	assert.Equal(t, StateConverted, snap.State)
	assert.Equal(t, int64(1), settler.Calls(), "a burst within the debounce window must collapse into one job")
}

func TestAtMostOneActiveJobPerPath(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "busy.mkv")
	require.NoError(t, os.WriteFile(source, []byte("data"), 0o644))

	release := make(chan struct{})
	settler := &mockSettler{
		fn: func(ctx context.Context, path string) (int64, error) {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-release:
			}
			info, err := os.Stat(path)
			if err != nil {
				return 0, watch.ErrSourceVanished
			}
			return info.Size(), nil
		},
	}
	c := startCoordinator(t, testConfig(), &mockRunner{}, &mockProber{}, settler)

	c.HandleEvent(watch.Event{Op: watch.Created, Path: source})

	// Wait until the job is actually settling, then hammer the path with
	// more events. None of them may spawn a second job.
	require.Eventually(t, func() bool {
		return settler.Calls() == 1
	}, time.Second, time.Millisecond)

	for i := 0; i < 20; i++ {
		c.HandleEvent(watch.Event{Op: watch.Modified, Path: source})
	}
	time.Sleep(50 * time.Millisecond) // let any stray debounce timers fire
	close(release)

	snap := waitTerminal(t, c, source)
	assert.Equal(t, StateConverted, snap.State)
	assert.Equal(t, int64(1), settler.Calls())
}

func TestTransientFailureRetriesThenSucceeds(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "flaky.mkv")
	require.NoError(t, os.WriteFile(source, []byte("data"), 0o644))

	var attempts int64
	runner := &mockRunner{
		fn: func(ctx context.Context, src, dst string, duration float64, sink ffmpeg.ProgressSink) error {
			if atomic.AddInt64(&attempts, 1) == 1 {
				// Simulate a crash that leaves a partial file behind; the
				// real runner removes it, so the mock does too.
				os.WriteFile(dst, []byte("partial"), 0o644)
				os.Remove(dst)
				return errors.New("ffmpeg exited: signal: killed")
			}
			return os.WriteFile(dst, []byte("converted"), 0o644)
		},
	}
	c := startCoordinator(t, testConfig(), runner, &mockProber{}, &mockSettler{})

	c.HandleEvent(watch.Event{Op: watch.Created, Path: source})

	snap := waitTerminal(t, c, source)
	assert.Equal(t, StateConverted, snap.State)
	assert.Equal(t, 2, snap.Attempts)
	assert.FileExists(t, filepath.Join(dir, "flaky.mp4"))
	assert.NoFileExists(t, filepath.Join(dir, ".flaky.mkv.tmp"), "no partial output from the failed attempt remains")
}

func TestUnreadableMediaFailsPermanently(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "corrupt.mkv")
	require.NoError(t, os.WriteFile(source, []byte("not a real container"), 0o644))

	runner := &mockRunner{}
	prober := &mockProber{
		fn: func(ctx context.Context, path string) (*ffmpeg.MediaInfo, error) {
			return nil, ffmpeg.ErrUnreadableMedia
		},
	}
	c := startCoordinator(t, testConfig(), runner, prober, &mockSettler{})

	c.HandleEvent(watch.Event{Op: watch.Created, Path: source})

	snap := waitTerminal(t, c, source)
	assert.Equal(t, StateFailedPermanent, snap.State)
	assert.Equal(t, 1, snap.Attempts, "unreadable input is never retried")
	assert.Equal(t, int64(0), runner.Calls())
	assert.FileExists(t, source, "permanently failed sources are left on disk for the operator")
}

func TestSourceDeletedWhileSettling(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "gone.mkv")
	require.NoError(t, os.WriteFile(source, []byte("data"), 0o644))

	settling := make(chan struct{})
	var once atomic.Bool
	settler := &mockSettler{
		fn: func(ctx context.Context, path string) (int64, error) {
			if once.CompareAndSwap(false, true) {
				close(settling)
			}
			<-ctx.Done()
			return 0, ctx.Err()
		},
	}
	runner := &mockRunner{}
	c := startCoordinator(t, testConfig(), runner, &mockProber{}, settler)

	c.HandleEvent(watch.Event{Op: watch.Created, Path: source})
	<-settling

	require.NoError(t, os.Remove(source))
	c.HandleEvent(watch.Event{Op: watch.Removed, Path: source})

	snap := waitTerminal(t, c, source)
	assert.Equal(t, StateFailedPermanent, snap.State)
	assert.Contains(t, snap.Error, "vanished")
	assert.Equal(t, int64(0), runner.Calls(), "no transcode may start for a vanished source")
	assert.NoFileExists(t, filepath.Join(dir, ".gone.mkv.tmp"))
}

func TestVerificationFailureExhaustsRetries(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "truncated.mkv")
	require.NoError(t, os.WriteFile(source, []byte("data"), 0o644))

	cfg := testConfig()
	cfg.RetryLimit = 1

	prober := &mockProber{
		fn: func(ctx context.Context, path string) (*ffmpeg.MediaInfo, error) {
			info := &ffmpeg.MediaInfo{Duration: 600.0, Width: 1280, Height: 720, VideoCodec: "h264"}
			if watch.IsTempName(filepath.Base(path)) {
				// Output is silently truncated: far outside tolerance.
				info.Duration = 500.0
			}
			return info, nil
		},
	}
	c := startCoordinator(t, cfg, &mockRunner{}, prober, &mockSettler{})

	c.HandleEvent(watch.Event{Op: watch.Created, Path: source})

	snap := waitTerminal(t, c, source)
	assert.Equal(t, StateFailedPermanent, snap.State)
	assert.Equal(t, 2, snap.Attempts, "one initial attempt plus one retry")
	assert.Contains(t, snap.Error, "retry limit reached")
	assert.NoFileExists(t, filepath.Join(dir, "truncated.mp4"))
	assert.NoFileExists(t, filepath.Join(dir, ".truncated.mkv.tmp"))
	assert.FileExists(t, source)
}

func TestNamingConflictFailsLaterJob(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "clip.mkv")
	second := filepath.Join(dir, "Clip.MKV")
	require.NoError(t, os.WriteFile(first, []byte("aaaa"), 0o644))
	require.NoError(t, os.WriteFile(second, []byte("bbbb"), 0o644))

	c := startCoordinator(t, testConfig(), &mockRunner{}, &mockProber{}, &mockSettler{})
	c.Seed([]string{first, second})

	s1 := waitTerminal(t, c, first)
	s2 := waitTerminal(t, c, second)

	states := []State{s1.State, s2.State}
	assert.Contains(t, states, StateConverted)
	assert.Contains(t, states, StateFailedPermanent)

	for _, s := range []Snapshot{s1, s2} {
		if s.State == StateFailedPermanent {
			assert.Contains(t, s.Error, "claimed")
		}
	}
}

func TestExistingDestinationIsNeverOverwritten(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "clip.mkv")
	dest := filepath.Join(dir, "clip.mp4")
	require.NoError(t, os.WriteFile(source, []byte("new arrival"), 0o644))
	require.NoError(t, os.WriteFile(dest, []byte("precious existing file"), 0o644))

	c := startCoordinator(t, testConfig(), &mockRunner{}, &mockProber{}, &mockSettler{})
	c.Seed([]string{source})

	snap := waitTerminal(t, c, source)
	assert.Equal(t, StateFailedPermanent, snap.State)

	content, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "precious existing file", string(content))
	assert.FileExists(t, source)
}

func TestSeedIgnoresDuplicateEvents(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "seeded.mkv")
	require.NoError(t, os.WriteFile(source, []byte("data"), 0o644))

	settler := &mockSettler{}
	c := startCoordinator(t, testConfig(), &mockRunner{}, &mockProber{}, settler)

	// An event for a seeded file can race the initial scan; identity
	// dedup by path must keep it to one job.
	c.Seed([]string{source})
	c.HandleEvent(watch.Event{Op: watch.Created, Path: source})

	snap := waitTerminal(t, c, source)
	assert.Equal(t, StateConverted, snap.State)
	assert.Equal(t, int64(1), settler.Calls())
}

func TestEventFilter(t *testing.T) {
	c := NewCoordinator(testConfig(), &mockRunner{}, &mockProber{}, &mockSettler{})

	assert.True(t, c.isCandidate("/media/clip.mkv"))
	assert.True(t, c.isCandidate("/media/CLIP.MKV"))
	assert.False(t, c.isCandidate("/media/clip.mp4"))
	assert.False(t, c.isCandidate("/media/.clip.mkv.tmp"), "own temp outputs are never candidates")
	assert.False(t, c.isCandidate("/media/.hidden.mkv"))
}

func TestStatusPollingDuringCompletion(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	cfg.MaxConcurrency = 4

	sources := make([]string, 12)
	for i := range sources {
		sources[i] = filepath.Join(dir, fmt.Sprintf("clip%02d.mkv", i))
		require.NoError(t, os.WriteFile(sources[i], []byte("data"), 0o644))
	}

	c := startCoordinator(t, cfg, &mockRunner{}, &mockProber{}, &mockSettler{})

	// Hammer the read side while workers finish jobs, the way the status
	// API does. Snapshot must observe consistent terminal fields.
	stop := make(chan struct{})
	var pollers sync.WaitGroup
	for i := 0; i < 4; i++ {
		pollers.Add(1)
		go func() {
			defer pollers.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				for _, s := range c.Jobs() {
					if s.State == StateConverted {
						got, ok := c.Get(s.ID)
						if ok && got.FinishedAt.IsZero() {
							t.Error("terminal snapshot without a finish time")
						}
					}
				}
			}
		}()
	}

	c.Seed(sources)

	require.Eventually(t, func() bool {
		converted := 0
		for _, s := range c.Jobs() {
			if s.State == StateConverted {
				converted++
			}
		}
		return converted == len(sources)
	}, 5*time.Second, 5*time.Millisecond)

	close(stop)
	pollers.Wait()
}

func TestSeedBeforeStart(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	cfg.QueueSize = 1
	cfg.MaxConcurrency = 1

	sources := make([]string, 3)
	for i := range sources {
		sources[i] = filepath.Join(dir, fmt.Sprintf("early%d.mkv", i))
		require.NoError(t, os.WriteFile(sources[i], []byte("data"), 0o644))
	}

	// Seeding before Start must queue quietly, even past the buffer.
	c := NewCoordinator(cfg, &mockRunner{}, &mockProber{}, &mockSettler{})
	c.Seed(sources)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	c.Start(ctx)

	for _, src := range sources {
		snap := waitTerminal(t, c, src)
		assert.Equal(t, StateConverted, snap.State)
	}
}

func TestShutdownDropsRetryBacklog(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "doomed.mkv")
	require.NoError(t, os.WriteFile(source, []byte("data"), 0o644))

	cfg := testConfig()
	cfg.RetryBackoff = time.Hour

	runner := &mockRunner{
		fn: func(ctx context.Context, src, dst string, duration float64, sink ffmpeg.ProgressSink) error {
			return errors.New("ffmpeg exited: broken pipe")
		},
	}
	c := NewCoordinator(cfg, runner, &mockProber{}, &mockSettler{})
	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)

	c.HandleEvent(watch.Event{Op: watch.Created, Path: source})

	require.Eventually(t, func() bool {
		for _, s := range c.Jobs() {
			if s.Source == source && s.State == StateFailedTransient {
				return true
			}
		}
		return false
	}, 3*time.Second, 5*time.Millisecond)

	cancel()

	done := make(chan struct{})
	go func() {
		c.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after shutdown")
	}

	// The job waiting out its backoff was dropped with its timer; nothing
	// lingers in the table and nothing fires later.
	assert.Empty(t, c.Jobs())
}

func TestDestinationDerivation(t *testing.T) {
	j := newJob("/media/shows/Episode.One.MKV", ".mp4")
	assert.Equal(t, "/media/shows/Episode.One.mp4", j.DestPath)
	assert.Equal(t, "/media/shows/.Episode.One.MKV.tmp", j.TempPath)
	assert.NotEmpty(t, j.ID)
	assert.Equal(t, StateDiscovered, j.State())
}
