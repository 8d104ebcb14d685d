package amqp

import (
	"encoding/json"
	"fmt"
	"time"

	"cassa/internal/core"

	"github.com/google/uuid"
)

// ChangeSummaryMessage carries a committed change to the consumers that
// keep derived views up to date.
type ChangeSummaryMessage struct {
	EventID   string             `json:"event_id"`
	Kind      string             `json:"kind"`
	Summary   core.ChangeSummary `json:"summary"`
	Timestamp time.Time          `json:"timestamp"`
}

const (
	KindDeleted = "transaction.deleted"
	KindAdded   = "transaction.added"
)

// NewChangeSummaryMessage wraps summary with a fresh event ID. A summary
// without a deleted amount describes an insertion.
func NewChangeSummaryMessage(summary core.ChangeSummary) *ChangeSummaryMessage {
	kind := KindDeleted
	if summary.DeletedAmount.IsZero() {
		kind = KindAdded
	}
	return &ChangeSummaryMessage{
		EventID:   uuid.NewString(),
		Kind:      kind,
		Summary:   summary,
		Timestamp: time.Now(),
	}
}

// ToJSON converts the message to JSON bytes
func (m *ChangeSummaryMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// ChangeSummaryMessageFromJSON decodes and sanity-checks a message.
func ChangeSummaryMessageFromJSON(data []byte) (*ChangeSummaryMessage, error) {
	var msg ChangeSummaryMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.Summary.TransactionID == "" {
		return nil, fmt.Errorf("change summary without transaction id")
	}
	return &msg, nil
}
