package badger

import (
	"fmt"
	"log/slog"
	"strings"
)

// slogBadgerLogger forwards Badger's printf style logging to slog.
type slogBadgerLogger struct {
	logger *slog.Logger
}

func (l slogBadgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(message(format, args))
}

func (l slogBadgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(message(format, args))
}

func (l slogBadgerLogger) Infof(format string, args ...any) {
	l.logger.Debug(message(format, args))
}

func (l slogBadgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(message(format, args))
}

func message(format string, args []any) string {
	return strings.TrimRight(fmt.Sprintf(format, args...), "\n")
}
