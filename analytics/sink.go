package analytics

import (
	"fmt"
	"log/slog"

	segment "github.com/segmentio/analytics-go/v3"
)

// Sink receives analytics events. Implementations must not block the caller
// on network I/O.
type Sink interface {
	Identify(userID string, traits map[string]any)
	Track(userID, event string, properties map[string]any)
	Close() error
}

// NoopSink discards all events.
type NoopSink struct{}

func (NoopSink) Identify(string, map[string]any)      {}
func (NoopSink) Track(string, string, map[string]any) {}
func (NoopSink) Close() error                         { return nil }

// SegmentConfig configures a SegmentSink.
type SegmentConfig struct {
	WriteKey string

	// Endpoint overrides the Segment API base URL.
	Endpoint string

	Verbose bool
	Logger  *slog.Logger
}

// SegmentSink enqueues events on a batching Segment client.
type SegmentSink struct {
	client segment.Client
	logger *slog.Logger
}

// NewSegmentSink creates a sink backed by Segment.
func NewSegmentSink(cfg SegmentConfig) (*SegmentSink, error) {
	if cfg.WriteKey == "" {
		return nil, fmt.Errorf("segment write key is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client, err := segment.NewWithConfig(cfg.WriteKey, segment.Config{
		Endpoint: cfg.Endpoint,
		Verbose:  cfg.Verbose,
		Logger:   segmentLogger{logger: logger},
		Callback: segmentCallback{logger: logger},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create segment client: %w", err)
	}

	return &SegmentSink{client: client, logger: logger}, nil
}

// Identify associates traits with a user.
func (s *SegmentSink) Identify(userID string, traits map[string]any) {
	if err := s.client.Enqueue(segment.Identify{
		UserId: userID,
		Traits: segment.Traits(traits),
	}); err != nil {
		s.logger.Warn("Failed to enqueue identify", "error", err)
	}
}

// Track records an event for a user.
func (s *SegmentSink) Track(userID, event string, properties map[string]any) {
	if err := s.client.Enqueue(segment.Track{
		UserId:     userID,
		Event:      event,
		Properties: segment.Properties(properties),
	}); err != nil {
		s.logger.Warn("Failed to enqueue track", "event", event, "error", err)
	}
}

// Close flushes pending events and stops the client.
func (s *SegmentSink) Close() error {
	return s.client.Close()
}

type segmentLogger struct {
	logger *slog.Logger
}

func (l segmentLogger) Logf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...), "component", "segment")
}

func (l segmentLogger) Errorf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...), "component", "segment")
}

type segmentCallback struct {
	logger *slog.Logger
}

func (segmentCallback) Success(segment.Message) {}

func (c segmentCallback) Failure(_ segment.Message, err error) {
	c.logger.Warn("Segment delivery failed", "error", err)
}
