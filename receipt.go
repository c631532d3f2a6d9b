package agentbus

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// DeliveryStatus is the state of one delivery attempt.
type DeliveryStatus string

const (
	StatusAccepted     DeliveryStatus = "accepted"
	StatusDelivered    DeliveryStatus = "delivered"
	StatusAcknowledged DeliveryStatus = "acknowledged"
	StatusProcessed    DeliveryStatus = "processed"
	StatusFailed       DeliveryStatus = "failed"
	StatusRejected     DeliveryStatus = "rejected"
	StatusExpired      DeliveryStatus = "expired"
)

// DeliveryError describes why a delivery attempt failed.
type DeliveryError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Retryable bool           `json:"retryable"`
}

// DeliveryReceipt records the outcome of a single delivery attempt for a
// message/subscriber pair. Publish-side states (accepted, acknowledged,
// rejected, expired) carry an empty Subscriber.
type DeliveryReceipt struct {
	MessageID      string         `json:"messageId"`
	ReceiptID      string         `json:"receiptId,omitempty"`
	Status         DeliveryStatus `json:"status"`
	Timestamp      time.Time      `json:"timestamp"`
	Subscriber     string         `json:"subscriber,omitempty"`
	Channel        string         `json:"channel"`
	Attempt        int            `json:"attempt"`
	ProcessingTime time.Duration  `json:"processingTime,omitempty"`
	Error          *DeliveryError `json:"error,omitempty"`
}

const (
	maxReceiptsPerMessage = 64
	maxReceiptMessages    = 10000
)

// receiptLog keeps a bounded per-message history of delivery receipts.
// Oldest message histories are evicted FIFO once the message cap is hit.
type receiptLog struct {
	mu      sync.Mutex
	entries map[string][]DeliveryReceipt
	order   []string
}

func newReceiptLog() *receiptLog {
	return &receiptLog{entries: make(map[string][]DeliveryReceipt)}
}

func (l *receiptLog) record(r DeliveryReceipt) {
	if r.ReceiptID == "" {
		r.ReceiptID = uuid.NewString()
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	rs, ok := l.entries[r.MessageID]
	if !ok {
		if len(l.order) >= maxReceiptMessages {
			oldest := l.order[0]
			l.order = l.order[1:]
			delete(l.entries, oldest)
		}
		l.order = append(l.order, r.MessageID)
	}
	if len(rs) >= maxReceiptsPerMessage {
		rs = rs[1:]
	}
	l.entries[r.MessageID] = append(rs, r)
}

// forMessage returns a snapshot of the receipts recorded for a message.
func (l *receiptLog) forMessage(messageID string) []DeliveryReceipt {
	l.mu.Lock()
	defer l.mu.Unlock()

	rs := l.entries[messageID]
	out := make([]DeliveryReceipt, len(rs))
	copy(out, rs)
	return out
}
