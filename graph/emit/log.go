package emit

import (
	"context"
	"log/slog"
)

// LogEmitter bridges engine events onto a structured slog logger.
//
// Node errors log at warn level, everything else at debug, so a production
// logger at info level stays quiet during healthy execution.
type LogEmitter struct {
	logger *slog.Logger
}

// NewLogEmitter creates an emitter writing to the given logger. A nil logger
// uses slog.Default().
func NewLogEmitter(logger *slog.Logger) *LogEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogEmitter{logger: logger}
}

// Emit writes the event as a structured log record.
func (l *LogEmitter) Emit(event Event) {
	attrs := []any{
		slog.String("task_id", event.TaskID),
		slog.Int("step", event.Step),
	}
	if event.Node != "" {
		attrs = append(attrs, slog.String("node", event.Node))
	}
	for k, v := range event.Meta {
		attrs = append(attrs, slog.Any(k, v))
	}

	level := slog.LevelDebug
	switch event.Msg {
	case MsgNodeError, MsgRunFailed, MsgCheckpointError:
		level = slog.LevelWarn
	}
	l.logger.Log(context.Background(), level, event.Msg, attrs...)
}
