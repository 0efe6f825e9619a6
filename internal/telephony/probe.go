package telephony

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

const (
	audioPlanePollInterval = 50 * time.Millisecond
	pinRetryBackoff        = 100 * time.Millisecond
)

// WaitForAudioPlaneReady implements [Adapter]. The switch acknowledges a
// channel over signalling before its media path exists; acting on the channel
// in that window silently loses audio. Polling the channel state until it
// reports Up closes the window.
func (c *Client) WaitForAudioPlaneReady(ctx context.Context, channelID string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		var ch Channel
		err := c.do(ctx, http.MethodGet, "/channels/"+channelID, nil, nil, &ch)
		if err == nil && ch.State == "Up" {
			return true
		}

		if time.Now().After(deadline) {
			c.log.Warn("audio plane not ready before timeout",
				slog.String("channel_id", channelID),
				slog.Duration("timeout", timeout))
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(audioPlanePollInterval):
		}
	}
}

// PinSnoopToBridge implements [Adapter]. Snoop channels are ephemeral: the
// switch reaps them if they are not bridged shortly after creation, and the
// add call itself can race the channel's setup. Retries cover both windows.
func (c *Client) PinSnoopToBridge(ctx context.Context, bridgeID, channelID string, maxRetries int) error {
	if maxRetries <= 0 {
		maxRetries = 5
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		lastErr = c.AddChannelToBridge(ctx, bridgeID, channelID)
		if lastErr == nil {
			if attempt > 1 {
				c.log.Info("snoop pinned after retries",
					slog.String("channel_id", channelID),
					slog.Int("attempt", attempt))
			}
			return nil
		}
		if !pinRetryable(lastErr) {
			return lastErr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pinRetryBackoff):
		}
	}
	return fmt.Errorf("telephony: pin snoop %s to bridge %s after %d attempts: %w",
		channelID, bridgeID, maxRetries, lastErr)
}
