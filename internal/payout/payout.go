package payout

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "paystream/pkg/logx"
)

// Sender executes one external fund transfer.
//
// Send must be synchronous: returning nil means the transfer was accepted by
// the executor, any error means nothing was paid out and the caller may
// retry later.
type Sender interface {
	Send(ctx context.Context, destination string, amount uint64) error
}

// Config selects and configures the payout driver.
//
// Driver values:
//   - "log": dry-run driver, logs the transfer and succeeds
//   - "webhook": POSTs the transfer to an external payout executor
type Config struct {
	Driver  string
	Webhook WebhookConfig
}

type WebhookConfig struct {
	URL     string
	Token   string
	Timeout time.Duration
}

// New builds the configured sender.
func New(cfg Config, log logx.Logger) (Sender, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "log":
		return &logSender{log: log}, nil
	case "webhook":
		return newWebhookSender(cfg.Webhook, log)
	default:
		return nil, errors.New("unknown payout driver: " + cfg.Driver)
	}
}

// logSender is the dry-run driver. Useful for staging: the ledger behaves
// exactly as in production but no money moves.
type logSender struct {
	log logx.Logger
}

func (s *logSender) Send(ctx context.Context, destination string, amount uint64) error {
	_ = ctx
	s.log.Info("dry-run transfer",
		logx.String("destination", destination),
		logx.Uint64("amount", amount),
	)
	return nil
}
