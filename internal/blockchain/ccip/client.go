package ccip

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"eigenl2/offchain/internal/apperrors"
	"eigenl2/offchain/internal/config"
	"eigenl2/offchain/internal/metrics"
	"eigenl2/offchain/internal/retry"
)

// DefaultEndpoint is the public CCIP explorer API
const DefaultEndpoint = "https://ccip.chain.link/api/h/atlas"

// MessageState is the explorer's delivery state for a message
type MessageState int

const (
	StateUntouched  MessageState = 0
	StateInProgress MessageState = 1
	StateSuccess    MessageState = 2
	StateFailure    MessageState = 3
)

func (s MessageState) String() string {
	switch s {
	case StateUntouched:
		return "UNTOUCHED"
	case StateInProgress:
		return "IN_PROGRESS"
	case StateSuccess:
		return "SUCCESS"
	case StateFailure:
		return "FAILURE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// Terminal reports whether the message will not change state again
func (s MessageState) Terminal() bool {
	return s == StateSuccess || s == StateFailure
}

// MessageStatus is the subset of the explorer response the service uses
type MessageStatus struct {
	MessageID              string       `json:"messageId"`
	State                  MessageState `json:"state"`
	SourceNetworkName      string       `json:"sourceNetworkName,omitempty"`
	DestNetworkName        string       `json:"destNetworkName,omitempty"`
	SendTransactionHash    string       `json:"sendTransactionHash,omitempty"`
	ReceiptTransactionHash *string      `json:"receiptTransactionHash,omitempty"`
	Sender                 string       `json:"sender,omitempty"`
	Receiver               string       `json:"receiver,omitempty"`
}

// Client queries message delivery status from the CCIP explorer
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	retry      retry.Policy
	logger     *zap.Logger
}

// NewClient creates a bridge status client
func NewClient(cfg config.BridgeConfig, policy retry.Policy, logger *zap.Logger) *Client {
	baseURL := strings.TrimRight(cfg.StatusAPIEndpoint, "/")
	if baseURL == "" {
		baseURL = DefaultEndpoint
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSec > 0 {
		burst := int(cfg.RequestsPerSec)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), burst)
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    limiter,
		retry:      policy,
		logger:     logger,
	}
}

// GetMessageStatus fetches the delivery state of messageID.
// Unknown messages yield a not-found error; network faults, 5xx and 429 are transient.
func (c *Client) GetMessageStatus(ctx context.Context, messageID string) (*MessageStatus, error) {
	var status *MessageStatus
	start := time.Now()
	err := c.retry.DoNotify(ctx, func(ctx context.Context) error {
		var err error
		status, err = c.fetch(ctx, messageID)
		return err
	}, func(err error, wait time.Duration) {
		c.logger.Warn("Bridge status request failed, retrying",
			zap.String("message_id", messageID),
			zap.Duration("wait", wait),
			zap.Error(err))
	})

	result := "ok"
	if err != nil {
		result = apperrors.KindOf(err).String()
	}
	metrics.ExternalCallDuration.WithLabelValues("ccip", result).Observe(time.Since(start).Seconds())
	return status, err
}

func (c *Client) fetch(ctx context.Context, messageID string) (*MessageStatus, error) {
	const op = "ccip.getMessageStatus"

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, apperrors.Transient(op, err)
	}

	endpoint := c.baseURL + "/message/" + url.PathEscape(messageID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, apperrors.Validation(op, "invalid request: %v", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.Transient(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, apperrors.Transient(op, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, apperrors.NotFound(op, "message %s not known to the bridge", messageID)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, apperrors.Transient(op, fmt.Errorf("status %d: %s", resp.StatusCode, truncate(body)))
	case resp.StatusCode != http.StatusOK:
		return nil, apperrors.Wrap(apperrors.KindUnknown, op,
			fmt.Errorf("status %d: %s", resp.StatusCode, truncate(body)), "unexpected bridge API response")
	}

	var status MessageStatus
	if err := json.Unmarshal(body, &status); err != nil {
		return nil, apperrors.Wrap(apperrors.KindUnknown, op, err, "failed to decode bridge API response")
	}
	if status.MessageID == "" {
		status.MessageID = messageID
	}
	if status.ReceiptTransactionHash != nil && *status.ReceiptTransactionHash == "" {
		status.ReceiptTransactionHash = nil
	}
	return &status, nil
}

func truncate(body []byte) string {
	const limit = 200
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}
