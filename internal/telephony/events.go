package telephony

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/coder/websocket"
)

// EventType identifies a switch event.
type EventType string

const (
	// EventStasisStart fires when a channel enters the application. For the
	// caller channel it opens a session; for a snoop channel it confirms the
	// tap materialized.
	EventStasisStart EventType = "StasisStart"

	// EventStasisEnd fires when a channel leaves the application (hangup or
	// dialplan continue).
	EventStasisEnd EventType = "StasisEnd"

	// EventChannelTalkingStarted fires when the switch's talk detector
	// triggers on a channel. Input to the barge-in policy.
	EventChannelTalkingStarted EventType = "ChannelTalkingStarted"

	// EventChannelTalkingFinished fires when the talk detector releases.
	EventChannelTalkingFinished EventType = "ChannelTalkingFinished"

	EventPlaybackStarted  EventType = "PlaybackStarted"
	EventPlaybackFinished EventType = "PlaybackFinished"

	// EventPlaybackStopped fires when a playback is stopped from outside this
	// process; EventPlaybackFailed when the switch could not play the media.
	// Both are terminal for the playback handle.
	EventPlaybackStopped EventType = "PlaybackStopped"
	EventPlaybackFailed  EventType = "PlaybackFailed"

	EventRecordingStarted  EventType = "RecordingStarted"
	EventRecordingFinished EventType = "RecordingFinished"
	EventRecordingFailed   EventType = "RecordingFailed"

	// EventChannelDestroyed fires when the underlying channel is gone, which
	// may race or replace StasisEnd on abrupt hangups.
	EventChannelDestroyed EventType = "ChannelDestroyed"
)

// CallerID is the number/name pair on a channel endpoint.
type CallerID struct {
	Number string `json:"number"`
	Name   string `json:"name"`
}

// Channel is the switch's view of a channel as carried on events.
type Channel struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	State     string   `json:"state"`
	Caller    CallerID `json:"caller"`
	Connected CallerID `json:"connected"`
	Dialplan  struct {
		Context  string `json:"context"`
		Exten    string `json:"exten"`
		Priority int    `json:"priority"`
	} `json:"dialplan"`
}

// Event is one decoded switch event. Fields are populated according to Type;
// unset fields are zero.
type Event struct {
	Type      EventType
	Timestamp time.Time

	// Channel is set for channel-scoped events (Stasis*, ChannelTalking*,
	// ChannelDestroyed).
	Channel *Channel

	// PlaybackID is set for Playback* events.
	PlaybackID string

	// RecordingName is set for Recording* events.
	RecordingName string

	// Duration is the detected talking duration in milliseconds on
	// ChannelTalkingFinished, -1 when the switch did not report one.
	Duration int

	// Args carries the application arguments on StasisStart.
	Args []string
}

// wireEvent is the raw JSON shape of a switch event. Only the fields the
// engine consumes are decoded; the rest of the payload is ignored.
type wireEvent struct {
	Type      EventType `json:"type"`
	Timestamp string    `json:"timestamp"`
	Channel   *Channel  `json:"channel"`
	Playback  *struct {
		ID string `json:"id"`
	} `json:"playback"`
	Recording *struct {
		Name string `json:"name"`
	} `json:"recording"`
	Duration *int     `json:"duration"`
	Args     []string `json:"args"`
}

func decodeEvent(data []byte) (Event, error) {
	var we wireEvent
	if err := json.Unmarshal(data, &we); err != nil {
		return Event{}, fmt.Errorf("telephony: decode event: %w", err)
	}
	ev := Event{
		Type:     we.Type,
		Channel:  we.Channel,
		Duration: -1,
		Args:     we.Args,
	}
	if ts, err := time.Parse("2006-01-02T15:04:05.000-0700", we.Timestamp); err == nil {
		ev.Timestamp = ts
	} else {
		ev.Timestamp = time.Now()
	}
	if we.Playback != nil {
		ev.PlaybackID = we.Playback.ID
	}
	if we.Recording != nil {
		ev.RecordingName = we.Recording.Name
	}
	if we.Duration != nil {
		ev.Duration = *we.Duration
	}
	return ev, nil
}

// runEvents owns the WebSocket subscription for the lifetime of the client.
// A dropped connection is redialed with exponential backoff; events arriving
// while disconnected are lost, which the session layer tolerates because every
// consumer also polls resource state.
func (c *Client) runEvents(ctx context.Context) {
	defer close(c.events)

	backoff := initialEventBackoff
	for {
		conn, err := c.dialEvents(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Warn("event stream dial failed, retrying",
				slog.String("error", err.Error()),
				slog.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxEventBackoff)
			continue
		}

		backoff = initialEventBackoff
		c.log.Info("event stream connected", slog.String("app", c.app))

		if err := c.readEvents(ctx, conn); err != nil && ctx.Err() == nil {
			c.log.Warn("event stream dropped, reconnecting",
				slog.String("error", err.Error()))
			continue
		}
		return
	}
}

const (
	initialEventBackoff = 500 * time.Millisecond
	maxEventBackoff     = 15 * time.Second
)

func (c *Client) dialEvents(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.wsURL)
	if err != nil {
		return nil, fmt.Errorf("telephony: parse websocket url: %w", err)
	}
	q := u.Query()
	q.Set("app", c.app)
	q.Set("api_key", c.username+":"+c.password)
	q.Set("subscribeAll", "false")
	u.RawQuery = q.Encode()

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("telephony: dial events: %w", err)
	}
	conn.SetReadLimit(1 << 20)
	return conn, nil
}

func (c *Client) readEvents(ctx context.Context, conn *websocket.Conn) error {
	defer conn.Close(websocket.StatusNormalClosure, "closing")

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		ev, err := decodeEvent(data)
		if err != nil {
			c.log.Warn("dropping undecodable event", slog.String("error", err.Error()))
			continue
		}

		c.route(ev)

		select {
		case c.events <- ev:
		default:
			// Consumer stalled; dropping beats blocking the socket reader.
			c.log.Warn("event channel full, dropping event", slog.String("type", string(ev.Type)))
		}
	}
}

// route resolves playback/recording events against outstanding handles before
// the event is published.
func (c *Client) route(ev Event) {
	switch ev.Type {
	case EventPlaybackFinished, EventPlaybackStopped, EventPlaybackFailed:
		c.mu.Lock()
		pb := c.playbacks[ev.PlaybackID]
		delete(c.playbacks, ev.PlaybackID)
		c.mu.Unlock()
		if pb != nil {
			if ev.Type == EventPlaybackFailed {
				pb.finish(fmt.Errorf("telephony: playback %s failed", ev.PlaybackID))
			} else {
				pb.finish(nil)
			}
		}
	case EventRecordingFinished, EventRecordingFailed:
		c.mu.Lock()
		rec := c.recordings[ev.RecordingName]
		delete(c.recordings, ev.RecordingName)
		c.mu.Unlock()
		if rec != nil {
			if ev.Type == EventRecordingFailed {
				rec.finish(fmt.Errorf("telephony: recording %s failed", ev.RecordingName))
			} else {
				rec.finish(nil)
			}
		}
	}
}
