// Package sensor polls the signal-cli sidecar for image-bearing
// messages and turns new ones into pipeline job requests. A schedule
// window keeps the production poller quiet outside shopping hours; test
// mode ignores the window entirely.
package sensor

import (
	"context"
	"log/slog"
	"time"

	"github.com/tickd/tickd/internal/config"
	"github.com/tickd/tickd/internal/events"
	"github.com/tickd/tickd/internal/pipeline"
	"github.com/tickd/tickd/internal/signal"
)

// Skip reasons reported by Tick.
const (
	SkipOutsideWindow = "outside schedule window"
	SkipNoMessages    = "no image-bearing messages"
)

// MessageSource is the slice of the signal client the sensor uses.
type MessageSource interface {
	Receive(ctx context.Context, maxMessages int) (string, error)
	Parse(raw string) []signal.Message
	DownloadAttachments(ctx context.Context, messages []signal.Message) ([]signal.Message, error)
}

// Deduper reports whether a message was already persisted.
type Deduper interface {
	MessageExists(ctx context.Context, senderUUID string, ts time.Time) (bool, error)
}

// Sensor evaluates one poll cycle at a time.
type Sensor struct {
	source MessageSource
	dedupe Deduper
	cfg    config.SensorConfig
	bus    *events.Bus
	logger *slog.Logger

	// now is injectable for window tests.
	now func() time.Time
}

// New creates a sensor.
func New(source MessageSource, dedupe Deduper, cfg config.SensorConfig, bus *events.Bus, logger *slog.Logger) *Sensor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sensor{
		source: source,
		dedupe: dedupe,
		cfg:    cfg,
		bus:    bus,
		logger: logger,
		now:    time.Now,
	}
}

// Tick runs one evaluation. It returns the job requests to dispatch, or
// a non-empty skip reason when the cycle produced nothing. Sidecar and
// download failures abort the tick with an error; messages they leave
// behind surface again on the next poll.
func (s *Sensor) Tick(ctx context.Context) ([]pipeline.JobRequest, string, error) {
	s.bus.Publish(events.Event{
		Timestamp: s.now(),
		Source:    events.SourceSensor,
		Kind:      events.KindTickStart,
		Data:      map[string]any{"test_mode": s.cfg.TestMode},
	})

	if !s.cfg.TestMode && !InWindow(s.now()) {
		s.skip(SkipOutsideWindow)
		return nil, SkipOutsideWindow, nil
	}

	raw, err := s.source.Receive(ctx, s.cfg.MaxMessages)
	if err != nil {
		return nil, "", err
	}

	var withImages []signal.Message
	for _, msg := range s.source.Parse(raw) {
		if msg.HasImageAttachment() {
			withImages = append(withImages, msg)
		}
	}
	if len(withImages) == 0 {
		s.skip(SkipNoMessages)
		return nil, SkipNoMessages, nil
	}

	withImages, err = s.source.DownloadAttachments(ctx, withImages)
	if err != nil {
		return nil, "", err
	}

	var requests []pipeline.JobRequest
	for _, msg := range withImages {
		if s.alreadyPersisted(ctx, msg) {
			continue
		}

		req, err := pipeline.NewJobRequest(msg, s.cfg.TestMode)
		if err != nil {
			s.logger.Error("job request build failed",
				"sender", msg.Sender.UUID, "error", err)
			continue
		}
		requests = append(requests, req)

		s.bus.Publish(events.Event{
			Timestamp: s.now(),
			Source:    events.SourceSensor,
			Kind:      events.KindJobEmitted,
			Data: map[string]any{
				"run_key":     req.RunKey,
				"sender":      msg.Sender.UUID,
				"attachments": len(msg.Attachments),
			},
		})
	}

	if len(requests) == 0 {
		s.skip(SkipNoMessages)
		return nil, SkipNoMessages, nil
	}

	s.logger.Info("tick emitted jobs", "jobs", len(requests))
	return requests, "", nil
}

// alreadyPersisted checks the database for the message. The check fails
// open: when the database is unreachable the message is processed
// anyway, and the persist stage's unique constraint catches any
// duplicate.
func (s *Sensor) alreadyPersisted(ctx context.Context, msg signal.Message) bool {
	if msg.Sender.UUID == "" {
		return false
	}
	exists, err := s.dedupe.MessageExists(ctx, msg.Sender.UUID, msg.Timestamp)
	if err != nil {
		s.logger.Warn("dedupe check failed, processing anyway",
			"sender", msg.Sender.UUID, "error", err)
		return false
	}
	if exists {
		s.logger.Debug("message already persisted, skipping",
			"sender", msg.Sender.UUID, "timestamp", msg.Timestamp)
	}
	return exists
}

func (s *Sensor) skip(reason string) {
	s.logger.Debug("tick skipped", "reason", reason)
	s.bus.Publish(events.Event{
		Timestamp: s.now(),
		Source:    events.SourceSensor,
		Kind:      events.KindTickSkip,
		Data:      map[string]any{"reason": reason},
	})
}

// InWindow reports whether t falls inside the polling schedule: never
// on Sunday, 08:00 to 20:00 on Thursday, 08:00 to 18:00 on the other
// days. End hours are exclusive.
func InWindow(t time.Time) bool {
	switch t.Weekday() {
	case time.Sunday:
		return false
	case time.Thursday:
		return t.Hour() >= 8 && t.Hour() < 20
	default:
		return t.Hour() >= 8 && t.Hour() < 18
	}
}
