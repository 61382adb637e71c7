package txn

import (
	"time"

	"github.com/statelang/txnengine/pkg/audit"
	"github.com/statelang/txnengine/pkg/logging"
)

// EventCallback observes transaction lifecycle events. It receives the same
// structured event the audit log writes, is invoked synchronously, and is
// best-effort: a panicking callback never fails the triggering operation.
type EventCallback func(event audit.Event)

func (m *Manager) newEvent(kind audit.EventType, txID string, keys []string, isolation *IsolationLevel) audit.Event {
	e := audit.Event{
		Timestamp: time.Now().UnixMilli(),
		TxID:      txID,
		EventType: kind,
		Keys:      keys,
	}
	if isolation != nil {
		iso := isolation.String()
		e.IsolationLevel = &iso
	}
	return e
}

// emit appends the event to the audit log (unless skipped) and then fires the
// callback.
func (m *Manager) emit(e audit.Event, skipAudit bool) {
	m.auditAppend(e, skipAudit)
	m.notify(e)
}

func (m *Manager) auditAppend(e audit.Event, skip bool) {
	if skip || m.auditLog == nil {
		return
	}
	if err := m.auditLog.Append(e); err != nil {
		m.logger.Warn("failed to append audit event",
			logging.String("tx_id", e.TxID),
			logging.String("event_type", string(e.EventType)),
			logging.Err(err))
	}
}

func (m *Manager) notify(e audit.Event) {
	if m.callback == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.logger.Warn("event callback panicked",
				logging.String("tx_id", e.TxID),
				logging.String("event_type", string(e.EventType)),
				logging.Field{Key: "panic", Value: r})
		}
	}()
	m.callback(e)
}
