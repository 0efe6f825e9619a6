// Package recording captures the user-only audio tap for a call and cuts it
// into per-utterance segments after the fact.
//
// Capture MUST start before the snoop channel is added to any bridge: the
// switch refuses to record a channel that is already bridged. The segmenter
// therefore runs inside the call-setup sequence, between snoop creation and
// the pin.
package recording

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/vozlab/arivoz/internal/telephony"
)

// Capture is one in-progress continuous recording.
type Capture struct {
	// Name is the recording name in the switch spool.
	Name string

	// Path is where the switch writes the WAV.
	Path string

	rec telephony.Recording
}

// Segmenter starts and stops continuous captures.
type Segmenter struct {
	tel      telephony.Adapter
	spoolDir string
	log      *slog.Logger
}

// NewSegmenter creates a Segmenter writing into the switch's spool directory.
func NewSegmenter(tel telephony.Adapter, spoolDir string, log *slog.Logger) *Segmenter {
	if log == nil {
		log = slog.Default()
	}
	return &Segmenter{
		tel:      tel,
		spoolDir: spoolDir,
		log:      log.With(slog.String("component", "segmenter")),
	}
}

// Start begins continuous capture of the snoop channel. Must be called
// before the snoop is bridged.
func (s *Segmenter) Start(ctx context.Context, linkedID, snoopChannelID string) (*Capture, error) {
	name := "full_" + linkedID
	rec, err := s.tel.Record(ctx, snoopChannelID, telephony.RecordOptions{
		Name:   name,
		Format: "wav",
	})
	if err != nil {
		return nil, fmt.Errorf("recording: start capture %s: %w", linkedID, err)
	}

	s.log.Info("continuous capture started",
		slog.String("linked_id", linkedID),
		slog.String("snoop_channel", snoopChannelID),
		slog.String("name", name))

	return &Capture{
		Name: name,
		Path: filepath.Join(s.spoolDir, name+".wav"),
		rec:  rec,
	}, nil
}

// Stop finishes the capture and waits for the switch to confirm the file is
// closed.
func (s *Segmenter) Stop(ctx context.Context, c *Capture) error {
	if c == nil || c.rec == nil {
		return nil
	}
	if err := c.rec.Stop(ctx); err != nil {
		return fmt.Errorf("recording: stop capture %s: %w", c.Name, err)
	}
	if err := c.rec.Wait(ctx); err != nil {
		return fmt.Errorf("recording: capture %s did not finish cleanly: %w", c.Name, err)
	}
	return nil
}
