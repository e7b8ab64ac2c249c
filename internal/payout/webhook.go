package payout

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	logx "paystream/pkg/logx"
)

// webhookSender delegates transfers to an external payout executor over HTTP.
//
// Request: POST <url> with {"destination": "...", "amount": N}.
// Any non-2xx response (or transport error) is a failed transfer.
type webhookSender struct {
	url   string
	token string
	http  *http.Client
	log   logx.Logger
}

func newWebhookSender(cfg WebhookConfig, log logx.Logger) (*webhookSender, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("payout.webhook.url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &webhookSender{
		url:   url,
		token: strings.TrimSpace(cfg.Token),
		http:  &http.Client{Timeout: timeout},
		log:   log,
	}, nil
}

type transferRequest struct {
	Destination string `json:"destination"`
	Amount      uint64 `json:"amount"`
}

func (s *webhookSender) Send(ctx context.Context, destination string, amount uint64) error {
	body, err := json.Marshal(transferRequest{Destination: destination, Amount: amount})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("payout webhook: %w", err)
	}
	defer func() {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("payout webhook: executor returned %s", resp.Status)
	}

	s.log.Debug("transfer accepted",
		logx.String("destination", destination),
		logx.Uint64("amount", amount),
	)
	return nil
}
