package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"eigenl2/offchain/internal/metrics"
	"eigenl2/offchain/internal/models"
)

// TransactionCompleted is published when a ledger record reaches a terminal status
type TransactionCompleted struct {
	TxHash                 string          `json:"txHash"`
	MessageID              string          `json:"messageId"`
	TxType                 models.TxType   `json:"txType"`
	Status                 models.TxStatus `json:"status"`
	User                   string          `json:"user"`
	ReceiptTransactionHash *string         `json:"receiptTransactionHash,omitempty"`
	CompletedAt            int64           `json:"completedAt"`
}

// Publisher emits ledger events
type Publisher interface {
	PublishCompleted(event TransactionCompleted) error
	Close()
}

// NATSPublisher publishes ledger events to a NATS subject
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
	logger  *zap.Logger
}

// NewNATSPublisher connects to NATS; reconnects are retried indefinitely
func NewNATSPublisher(url, subject string, logger *zap.Logger) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("eigenl2-ledger"),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(5*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
			metrics.NATSConnectionStatus.Set(0)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
			metrics.NATSConnectionStatus.Set(1)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	metrics.NATSConnectionStatus.Set(1)

	return &NATSPublisher{conn: conn, subject: subject, logger: logger}, nil
}

// PublishCompleted publishes on <subject>.<status>
func (p *NATSPublisher) PublishCompleted(event TransactionCompleted) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	subject := p.subject + "." + string(event.Status)
	if err := p.conn.Publish(subject, payload); err != nil {
		metrics.EventsPublished.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	metrics.EventsPublished.WithLabelValues("ok").Inc()
	return nil
}

// Close drains pending messages and closes the connection
func (p *NATSPublisher) Close() {
	if err := p.conn.Drain(); err != nil {
		p.logger.Warn("Failed to drain NATS connection", zap.Error(err))
		p.conn.Close()
	}
}

// NopPublisher discards events; used when NATS_URL is unset
type NopPublisher struct{}

func (NopPublisher) PublishCompleted(TransactionCompleted) error { return nil }
func (NopPublisher) Close()                                      {}
