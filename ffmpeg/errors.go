package ffmpeg

import "errors"

// Sentinel errors used by the job layer to classify failures. Anything
// returned by Transcode that does not match one of these is treated as a
// transient tool failure and retried.
var (
	// ErrToolNotFound means ffmpeg or ffprobe is not invocable. Fatal at
	// startup; the watch loop never begins.
	ErrToolNotFound = errors.New("transcoding tool not found on PATH")

	// ErrUnreadableMedia means the probe reported no usable video stream
	// or could not read the container at all. Permanent per input.
	ErrUnreadableMedia = errors.New("no readable video stream")

	// ErrResourcesLow means the host is below the configured CPU, memory
	// or disk thresholds. Transient; the job retries with backoff.
	ErrResourcesLow = errors.New("insufficient system resources")
)
