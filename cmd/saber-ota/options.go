package main

import (
	"github.com/chaz8081/ledsaber-ota/internal/ble"
	"github.com/chaz8081/ledsaber-ota/internal/config"
	"github.com/chaz8081/ledsaber-ota/internal/ota"
)

// profile merges the configured UUID overrides into the default profile.
func profile(cfg *config.Config) ble.Profile {
	p := ble.DefaultProfile()
	u := cfg.Device.UUIDs
	for _, o := range []struct {
		dst *string
		val string
	}{
		{&p.Service, u.Service},
		{&p.Control, u.Control},
		{&p.Data, u.Data},
		{&p.Status, u.Status},
		{&p.Progress, u.Progress},
		{&p.FWVersion, u.FWVersion},
	} {
		if o.val != "" {
			*o.dst = o.val
		}
	}
	return p
}

func linkOptions(cfg *config.Config) ble.LinkOptions {
	return ble.LinkOptions{
		ConnectTimeout: cfg.Device.ConnectTimeout,
		Settle:         cfg.Device.Settle,
		MTUOverride:    cfg.Device.MTUOverride,
	}
}

func updaterOptions(cfg *config.Config) ota.Options {
	t := cfg.Transfer
	return ota.Options{
		Profile:                 profile(cfg),
		Link:                    linkOptions(cfg),
		MaxImageSize:            t.MaxImageSize,
		MaxChunkSize:            t.MaxChunkSize,
		BatchSize:               t.BatchSize,
		BatchPause:              t.BatchPause,
		StartTimeout:            t.StartTimeout,
		StartPollInterval:       t.StartPollInterval,
		VerifyTimeout:           t.VerifyTimeout,
		VerifyPollInterval:      t.VerifyPollInterval,
		ExplicitVerify:          t.ExplicitVerify,
		AssumeDisconnectOnStart: t.AssumeDisconnectOnStart,
		MaxStartAttempts:        t.MaxStartAttempts,
		Reconnect: ota.ReconnectOptions{
			Attempts:   cfg.Reconnect.Attempts,
			Settle:     cfg.Reconnect.Settle,
			Backoff:    cfg.Reconnect.Backoff,
			MaxBackoff: cfg.Reconnect.MaxBackoff,
		},
		RebootSettle: t.RebootSettle,
	}
}

func verifyOptions(cfg *config.Config) ota.VerifyOptions {
	return ota.VerifyOptions{
		Profile:   profile(cfg),
		Link:      linkOptions(cfg),
		BootDelay: cfg.Verify.BootDelay,
		Timeout:   cfg.Verify.Timeout,
		Interval:  cfg.Verify.Interval,
	}
}
