package monitor

import "github.com/sirupsen/logrus"

// AlertSink interface for pluggable alert delivery.
type AlertSink interface {
	Send(message string) error
}

// LogSink writes alerts to the log at warn level.
type LogSink struct {
	Log *logrus.Entry
}

func (s LogSink) Send(message string) error {
	s.Log.Warn(message)
	return nil
}
