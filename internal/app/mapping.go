package app

import (
	"strings"

	"paystream/internal/config"
	"paystream/internal/notifier"
	"paystream/internal/observability/pprof"
	"paystream/internal/payout"
	"paystream/internal/server"
	"paystream/internal/storage"
)

func mapStorageConfig(cfg *config.Config) storage.Config {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}
	}
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: cfg.Storage.BusyTimeout.Std(),
	}
}

func mapPayoutConfig(cfg *config.Config) payout.Config {
	return payout.Config{
		Driver: cfg.Payout.Driver,
		Webhook: payout.WebhookConfig{
			URL:     cfg.Payout.Webhook.URL,
			Token:   cfg.Payout.Webhook.Token,
			Timeout: cfg.Payout.Webhook.Timeout.Std(),
		},
	}
}

func mapServerConfig(cfg *config.Config) server.Config {
	return server.Config{
		Enabled:       cfg.Server.Enabled,
		Addr:          cfg.Server.Addr,
		AdminToken:    cfg.Server.AdminToken,
		AllowInsecure: cfg.Server.AllowInsecure,
		RatePerSec:    cfg.Server.RatePerSec,
		Burst:         cfg.Server.Burst,
		ReadTimeout:   cfg.Server.ReadTimeout.Std(),
		WriteTimeout:  cfg.Server.WriteTimeout.Std(),
		IdleTimeout:   cfg.Server.IdleTimeout.Std(),
	}
}

func mapNotifierConfig(cfg *config.Config) notifier.Config {
	if cfg == nil || cfg.Notifier == nil {
		return notifier.Config{}
	}
	n := cfg.Notifier

	enabled := n.Enabled && strings.TrimSpace(n.Telegram.Token) != ""
	return notifier.Config{
		Enabled:         enabled,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		RetryBase:       n.RetryBase.Std(),
		RetryMaxDelay:   n.RetryMaxDelay.Std(),
		DedupWindow:     n.DedupWindow.Std(),
		DedupMaxEntries: n.DedupMaxEntries,
		PersistDedup:    n.PersistDedup,
	}
}

func mapPprofConfig(cfg *config.Config) pprof.Config {
	return pprof.Config{
		Enabled:       cfg.Pprof.Enabled,
		Addr:          cfg.Pprof.Addr,
		Prefix:        cfg.Pprof.Prefix,
		Token:         cfg.Pprof.Token,
		AllowInsecure: cfg.Pprof.AllowInsecure,
	}
}
