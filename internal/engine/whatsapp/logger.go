package whatsapp

import (
	"fmt"
	"log/slog"

	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/grouprelay/backend/internal/logging"
)

// slogLogger adapts slog to whatsmeow's logger. whatsmeow is chatty at info,
// so info is downgraded to debug.
type slogLogger struct {
	l *slog.Logger
}

func newLogger(l *slog.Logger) waLog.Logger {
	return slogLogger{l: l}
}

func (s slogLogger) Errorf(msg string, args ...interface{}) { s.l.Error(fmt.Sprintf(msg, args...)) }
func (s slogLogger) Warnf(msg string, args ...interface{})  { s.l.Warn(fmt.Sprintf(msg, args...)) }
func (s slogLogger) Infof(msg string, args ...interface{})  { s.l.Debug(fmt.Sprintf(msg, args...)) }
func (s slogLogger) Debugf(msg string, args ...interface{}) { s.l.Debug(fmt.Sprintf(msg, args...)) }

func (s slogLogger) Sub(module string) waLog.Logger {
	return slogLogger{l: s.l.With(logging.ModuleKey, module)}
}
