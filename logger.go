package pgcluster

import (
	"context"
	"log"
	"log/slog"
)

// Logger receives events of pools and topology detectors.
type Logger interface {
	Report(event LogEvent)
}

type SlogLogger struct {
	logger *slog.Logger
	ctx    context.Context
}

func NewSlogLogger(logger *slog.Logger) SlogLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return SlogLogger{
		logger: logger,
		ctx:    context.Background(),
	}
}

func (l *SlogLogger) WithContext(ctx context.Context) SlogLogger {
	return SlogLogger{
		logger: l.logger,
		ctx:    ctx,
	}
}

func (l SlogLogger) Report(event LogEvent) {
	if l.logger == nil {
		l = NewSlogLogger(nil)
	}
	attrs := append(event.LogAttrs(), slog.String("event", event.EventName()))
	l.logger.LogAttrs(l.ctx, event.LogLevel(), event.Message(), attrs...)
}

type SimpleLogger struct{}

func (l SimpleLogger) Report(event LogEvent) {
	attrs := event.LogAttrs()

	log.Printf("[%s] pgcluster: %s [event=%s]", event.LogLevel(), event.Message(),
		event.EventName())

	for _, attr := range attrs {
		switch attr.Key {
		case "error":
			log.Printf("  Error: %v", attr.Value.Any())
		case "host":
			log.Printf("  Host: %v", attr.Value.Any())
		}
	}
}

// NopLogger drops every event.
type NopLogger struct{}

func (NopLogger) Report(LogEvent) {}
