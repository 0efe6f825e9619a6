package recording

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// minExtractBytes is the sanity floor for a cut segment. Anything smaller is
// a transcoder failure masquerading as success (header-only output).
const minExtractBytes = 1024

// defaultSampleRate matches the telephony leg.
const defaultSampleRate = 8000

// ExtractWavSegment cuts [startMs, endMs] out of inputPath into outputPath
// using the system transcoder, resampled to sampleRate mono. A sampleRate of
// 0 means 8 kHz.
func ExtractWavSegment(ctx context.Context, inputPath string, startMs, endMs int64, outputPath string, sampleRate int) error {
	if endMs <= startMs {
		return fmt.Errorf("recording: empty segment [%d, %d]", startMs, endMs)
	}
	if sampleRate <= 0 {
		sampleRate = defaultSampleRate
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return fmt.Errorf("recording: create segment dir: %w", err)
	}

	args := []string{
		"-y",
		"-i", inputPath,
		"-ss", formatMs(startMs),
		"-to", formatMs(endMs),
		"-ar", fmt.Sprintf("%d", sampleRate),
		"-ac", "1",
		outputPath,
	}
	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("recording: ffmpeg cut [%d, %d] of %s: %w: %s",
			startMs, endMs, inputPath, err, tail(out, 256))
	}

	info, err := os.Stat(outputPath)
	if err != nil {
		return fmt.Errorf("recording: segment output missing: %w", err)
	}
	if info.Size() < minExtractBytes {
		os.Remove(outputPath)
		return fmt.Errorf("recording: segment output too small (%d bytes), discarded", info.Size())
	}
	return nil
}

// formatMs renders a millisecond offset as a transcoder time spec ("12.345").
func formatMs(ms int64) string {
	return fmt.Sprintf("%d.%03d", ms/1000, ms%1000)
}

func tail(b []byte, n int) string {
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return string(b)
}

// WaitForFile polls until path exists with at least minSize bytes and its
// size has stopped growing, or the timeout elapses. The switch closes spool
// files asynchronously after a recording stops.
func WaitForFile(ctx context.Context, path string, minSize int64, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	var lastSize int64 = -1
	for {
		if info, err := os.Stat(path); err == nil && info.Size() >= minSize {
			if info.Size() == lastSize {
				return nil
			}
			lastSize = info.Size()
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("recording: file %s not ready after %s", path, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
