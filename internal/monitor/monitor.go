package monitor

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"copytrade-core/internal/events"
)

// Monitor turns operator-relevant bus events into alerts: accounts that
// need re-authentication and failed copies.
type Monitor struct {
	Bus  *events.Bus
	Sink AlertSink
	Log  *logrus.Entry
}

// Run blocks until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	if m.Bus == nil || m.Sink == nil {
		return
	}
	m.Bus.Listen(ctx, 64, func(e events.Event, payload any) {
		msg := formatAlert(e, payload)
		if msg == "" {
			return
		}
		if err := m.Sink.Send(msg); err != nil && m.Log != nil {
			m.Log.WithError(err).Warn("alert delivery failed")
		}
	}, events.EventAuthRequired, events.EventCopyFailed)
}

func formatAlert(e events.Event, payload any) string {
	switch p := payload.(type) {
	case events.AuthRequired:
		return fmt.Sprintf("account %s requires re-authentication: %s", p.AccountID, p.Reason)
	case events.CopyOutcome:
		return fmt.Sprintf("copy %s of parent order %s to account %s failed: %s",
			p.Action, p.ParentOrderID, p.ChildAccountID, p.Error)
	default:
		return ""
	}
}
