// watchmux/ffmpeg/probe.go
package ffmpeg

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// MediaInfo is the subset of probe output the pipeline cares about.
type MediaInfo struct {
	Duration   float64 // seconds
	Width      int
	Height     int
	VideoCodec string
	AudioCodec string
	HasAudio   bool
	Size       int64 // container size in bytes as reported by the tool
}

// Resolution returns "WxH", or "unknown" when the stream did not report
// dimensions.
func (m *MediaInfo) Resolution() string {
	if m.Width <= 0 || m.Height <= 0 {
		return "unknown"
	}
	return fmt.Sprintf("%dx%d", m.Width, m.Height)
}

// Prober queries media metadata via ffprobe.
type Prober struct {
	bin string
}

func NewProber(bin string) *Prober {
	return &Prober{bin: bin}
}

// Probe runs a single ffprobe JSON call against path. It returns
// ErrUnreadableMedia when the process fails or the container has no
// non-cover-art video stream.
func (p *Prober) Probe(ctx context.Context, path string) (*MediaInfo, error) {
	cmd := exec.CommandContext(ctx, p.bin,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format", "-show_streams",
		path,
	)

	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: ffprobe %q: %v", ErrUnreadableMedia, path, err)
	}

	return ParseProbeJSON(out)
}

// ParseProbeJSON converts raw ffprobe JSON output into a MediaInfo.
// Exported for testing without a real ffprobe binary.
func ParseProbeJSON(data []byte) (*MediaInfo, error) {
	var raw probeOutput
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: parse ffprobe JSON: %v", ErrUnreadableMedia, err)
	}

	info := &MediaInfo{
		Duration: parseFloat(raw.Format.Duration),
		Size:     parseInt64(raw.Format.Size),
	}

	var video *probeStream
	for i := range raw.Streams {
		s := &raw.Streams[i]
		switch s.CodecType {
		case "video":
			// Embedded cover art shows up as a video stream with the
			// attached_pic disposition; it does not make a file convertible.
			if s.Disposition["attached_pic"] == 1 {
				continue
			}
			if video == nil {
				video = s
			}
		case "audio":
			if !info.HasAudio {
				info.HasAudio = true
				info.AudioCodec = s.CodecName
			}
		}
	}

	if video == nil {
		return nil, fmt.Errorf("%w: container has no video stream", ErrUnreadableMedia)
	}

	info.VideoCodec = video.CodecName
	info.Width = video.Width
	info.Height = video.Height

	// Some containers only report duration on the stream, not the format.
	if info.Duration <= 0 {
		info.Duration = parseFloat(video.Duration)
	}
	if info.Duration <= 0 {
		return nil, fmt.Errorf("%w: no duration reported", ErrUnreadableMedia)
	}

	return info, nil
}

// --- ffprobe JSON wire types ---

type probeOutput struct {
	Format  probeFormat   `json:"format"`
	Streams []probeStream `json:"streams"`
}

type probeFormat struct {
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
	Size       string `json:"size"`
}

type probeStream struct {
	Index       int            `json:"index"`
	CodecName   string         `json:"codec_name"`
	CodecType   string         `json:"codec_type"`
	Width       int            `json:"width"`
	Height      int            `json:"height"`
	Duration    string         `json:"duration"`
	Disposition map[string]int `json:"disposition"`
}

// ffprobe returns numbers as strings.

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return f
}

func parseInt64(s string) int64 {
	n, _ := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	return n
}
