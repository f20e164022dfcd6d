// watchmux/ffmpeg/runner.go
package ffmpeg

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/shlex"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// stderrTailLines bounds how much tool output is kept for error reporting.
const stderrTailLines = 20

// RunnerConfig is the fixed codec policy plus the resource thresholds the
// runner enforces. Video is always stream-copied; only audio is re-encoded.
type RunnerConfig struct {
	FFBin        string
	FFProbeBin   string
	AudioCodec   string
	AudioBitrate string
	ExtraArgs    string // operator-supplied, shlex-split, inserted before the output path

	ThrottleCPU      float64 // minimum idle CPU percent, 0 disables
	ThrottleFreeMem  int64   // minimum available bytes, 0 disables
	ThrottleFreeDisk int64   // minimum free bytes in the output directory, 0 disables
}

// Runner invokes the external transcoding tool as a subprocess.
type Runner struct {
	cfg       RunnerConfig
	extraArgs []string
}

// NewRunner validates that both external binaries are invocable and that
// the extra-args string parses. A missing binary is fatal: the watch loop
// must not start if no conversion can ever succeed.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if _, err := exec.LookPath(cfg.FFBin); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, cfg.FFBin)
	}
	if _, err := exec.LookPath(cfg.FFProbeBin); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, cfg.FFProbeBin)
	}

	extra, err := SplitExtraArgs(cfg.ExtraArgs)
	if err != nil {
		return nil, err
	}

	return &Runner{cfg: cfg, extraArgs: extra}, nil
}

// SplitExtraArgs securely splits the FF_EXTRA_ARGS config string into a
// slice of arguments. It prevents shell interpretation by never using a
// shell.
func SplitExtraArgs(s string) ([]string, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	args, err := shlex.Split(s)
	if err != nil {
		return nil, fmt.Errorf("invalid FF_EXTRA_ARGS syntax: %w", err)
	}
	return args, nil
}

// BuildArgs constructs the deterministic argument slice for converting
// src into dst. The codec policy is fixed: the video stream is copied
// without re-encoding, audio is re-encoded to the configured codec.
func (r *Runner) BuildArgs(src, dst string) []string {
	args := []string{
		"-hide_banner", "-nostdin", "-y",
		"-loglevel", "error",
		"-i", src,
		"-map", "0:v:0",
		"-map", "0:a?",
		"-c:v", "copy",
		"-c:a", r.cfg.AudioCodec,
		"-b:a", r.cfg.AudioBitrate,
		"-movflags", "+faststart",
		"-progress", "pipe:1",
	}
	args = append(args, r.extraArgs...)
	return append(args, dst)
}

// Transcode converts src into dst, streaming progress samples to sink.
// duration is the probed source duration used to compute percentages.
// The subprocess is started with CommandContext, so cancelling ctx kills
// it rather than orphaning it. On any failure the half-written dst is
// removed before returning.
func (r *Runner) Transcode(ctx context.Context, src, dst string, duration float64, sink ProgressSink) error {
	if err := r.CheckResources(filepath.Dir(dst)); err != nil {
		return err
	}
	if sink == nil {
		sink = NopSink{}
	}

	cmd := exec.CommandContext(ctx, r.cfg.FFBin, r.BuildArgs(src, dst)...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("attach progress pipe: %w", err)
	}

	tail := newTailBuffer(stderrTailLines)
	cmd.Stderr = tail

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", r.cfg.FFBin, err)
	}

	// Drain the progress stream until the pipe closes. Reading must not
	// stall, or the subprocess blocks on a full pipe.
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		position, done := parseProgressLine(scanner.Text())
		if position >= 0 {
			sink.Report(ProgressReport{Position: position, Duration: duration})
		}
		if done {
			sink.Report(ProgressReport{Position: duration, Duration: duration, Done: true})
		}
	}

	err = cmd.Wait()
	if err != nil {
		os.Remove(dst)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s exited: %w; last output: %s", r.cfg.FFBin, err, tail.String())
	}

	// Exit 0 with an empty output still counts as failure; a truncated
	// container must never reach verification looking plausible.
	info, statErr := os.Stat(dst)
	if statErr != nil || info.Size() == 0 {
		os.Remove(dst)
		return fmt.Errorf("%s produced no output for %s", r.cfg.FFBin, src)
	}

	return nil
}

// CheckResources verifies the host has enough headroom to start another
// transcode. Failing the gate returns ErrResourcesLow, which the job
// layer treats as transient.
func (r *Runner) CheckResources(outDir string) error {
	if r.cfg.ThrottleCPU > 0 {
		p, err := cpu.Percent(time.Second, false)
		if err != nil {
			log.Printf("Warning: could not get CPU usage: %v", err)
		} else if len(p) > 0 && p[0] > 100.0-r.cfg.ThrottleCPU {
			return fmt.Errorf("%w: CPU usage %.1f%%, need %.1f%% idle", ErrResourcesLow, p[0], r.cfg.ThrottleCPU)
		}
	}

	if r.cfg.ThrottleFreeMem > 0 {
		vm, err := mem.VirtualMemory()
		if err != nil {
			log.Printf("Warning: could not get memory usage: %v", err)
		} else if vm.Available < uint64(r.cfg.ThrottleFreeMem) {
			return fmt.Errorf("%w: %d bytes memory available, need %d", ErrResourcesLow, vm.Available, r.cfg.ThrottleFreeMem)
		}
	}

	if r.cfg.ThrottleFreeDisk > 0 {
		d, err := disk.Usage(outDir)
		if err != nil {
			log.Printf("Warning: could not get disk usage for %s: %v", outDir, err)
		} else if d.Free < uint64(r.cfg.ThrottleFreeDisk) {
			return fmt.Errorf("%w: %d bytes free on %s, need %d", ErrResourcesLow, d.Free, outDir, r.cfg.ThrottleFreeDisk)
		}
	}

	return nil
}

// tailBuffer keeps the last n lines written to it. ffmpeg can emit
// megabytes of stderr on a bad file; only the end is diagnostic.
type tailBuffer struct {
	limit   int
	lines   []string
	partial strings.Builder
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	for _, c := range p {
		if c == '\n' {
			b.push(b.partial.String())
			b.partial.Reset()
			continue
		}
		b.partial.WriteByte(c)
	}
	return len(p), nil
}

func (b *tailBuffer) push(line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	b.lines = append(b.lines, line)
	if len(b.lines) > b.limit {
		b.lines = b.lines[1:]
	}
}

func (b *tailBuffer) String() string {
	if b.partial.Len() > 0 {
		b.push(b.partial.String())
		b.partial.Reset()
	}
	if len(b.lines) == 0 {
		return "(no tool output)"
	}
	return strings.Join(b.lines, " | ")
}
