package ffmpeg

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseProgressLine(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		position float64
		done     bool
	}{
		{"out_time_us", "out_time_us=32500000", 32.5, false},
		{"out_time_ms is also microseconds", "out_time_ms=32500000", 32.5, false},
		{"progress continue", "progress=continue", -1, false},
		{"progress end", "progress=end", -1, true},
		{"ignored key", "frame=120", -1, false},
		{"no separator", "garbage", -1, false},
		{"negative position ignored", "out_time_us=-9223372036854775808", -1, false},
		{"non-numeric position ignored", "out_time_us=N/A", -1, false},
		{"leading whitespace tolerated", "  out_time_us=1000000", 1.0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			position, done := parseProgressLine(tt.line)
			if tt.position >= 0 {
				assert.InDelta(t, tt.position, position, 0.0001)
			} else {
				assert.Less(t, position, 0.0)
			}
			assert.Equal(t, tt.done, done)
		})
	}
}

func TestProgressReportPercent(t *testing.T) {
	assert.InDelta(t, 50.0, ProgressReport{Position: 300, Duration: 600}.Percent(), 0.001)
	assert.Equal(t, 0.0, ProgressReport{Position: 10, Duration: 0}.Percent())
	assert.Equal(t, 100.0, ProgressReport{Position: 700, Duration: 600}.Percent())
	assert.Equal(t, 100.0, ProgressReport{Done: true}.Percent())
}
