package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"eigenl2/offchain/internal/api"
	"eigenl2/offchain/internal/apperrors"
	"eigenl2/offchain/internal/models"
)

// ledgerClient talks to the ledger service's HTTP API
type ledgerClient struct {
	baseURL    string
	httpClient *http.Client
}

func newLedgerClient(baseURL string, timeout time.Duration) *ledgerClient {
	return &ledgerClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// LatestExecNonce returns the highest exec nonce the ledger holds for user
func (c *ledgerClient) LatestExecNonce(ctx context.Context, user string) (*int64, error) {
	var out api.ExecNonceResponse
	if err := c.do(ctx, http.MethodGet, "/execnonce/"+user, nil, &out); err != nil {
		return nil, err
	}
	return out.LatestNonce, nil
}

// Record upserts a dispatched transaction
func (c *ledgerClient) Record(ctx context.Context, in models.TransactionInput) (*models.TransactionRecord, error) {
	var out models.TransactionRecord
	if err := c.do(ctx, http.MethodPost, "/transactions", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *ledgerClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	const op = "agentctl.ledger"

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.Transient(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr api.ErrorResponse
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&apiErr)
		err := fmt.Errorf("%s %s: HTTP %d: %s %s", method, path, resp.StatusCode, apiErr.Error, apiErr.Message)
		switch {
		case resp.StatusCode >= 500:
			return apperrors.Transient(op, err)
		case resp.StatusCode == http.StatusConflict:
			return apperrors.Wrap(apperrors.KindIntegrity, op, err, "ledger rejected the record")
		default:
			return err
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}
