package ota

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/chaz8081/ledsaber-ota/internal/ble"
)

// VersionOutcome is the result of post-reboot version verification.
type VersionOutcome int

const (
	// VersionChanged means the device came back reporting a new version.
	VersionChanged VersionOutcome = iota + 1
	// VersionUnchanged means the device came back with the old version; the
	// bootloader most likely rolled back.
	VersionUnchanged
	// VersionTimedOut means the device never came back in time.
	VersionTimedOut
	// VersionUnverified means the device came back but there was no
	// previous version to compare against.
	VersionUnverified
)

func (o VersionOutcome) String() string {
	switch o {
	case VersionChanged:
		return "changed"
	case VersionUnchanged:
		return "unchanged"
	case VersionTimedOut:
		return "timed out"
	case VersionUnverified:
		return "unverified"
	default:
		return "unknown"
	}
}

// VersionResult is reported by VerifyVersion.
type VersionResult struct {
	Outcome  VersionOutcome
	Previous string
	Current  string
	Expected string
	Attempts int
}

// MatchesExpected compares the version read against the expected one.
// ok is false if there is nothing to compare.
func (r VersionResult) MatchesExpected() (match, ok bool) {
	if r.Expected == "" || r.Current == "" {
		return false, false
	}
	return r.Current == r.Expected, true
}

// VerifyOptions configures VerifyVersion.
type VerifyOptions struct {
	Profile   ble.Profile
	Link      ble.LinkOptions
	BootDelay time.Duration // wait before the first attempt
	Timeout   time.Duration // overall bound, default 60s
	Interval  time.Duration // between attempts, default 3s
}

// DefaultVerifyOptions returns the options used by the command line tool.
func DefaultVerifyOptions() VerifyOptions {
	return VerifyOptions{
		Profile:   ble.DefaultProfile(),
		Link:      ble.DefaultLinkOptions(),
		BootDelay: 3 * time.Second,
		Timeout:   60 * time.Second,
		Interval:  3 * time.Second,
	}
}

// VerifyVersion reconnects to a rebooted device and reads its firmware
// version, using a fresh connection for every attempt. A version equal to
// previous keeps polling until the timeout, since the device may still be
// settling; it is then reported as VersionUnchanged with a nil error. Only
// a device that never answered yields an error.
func VerifyVersion(ctx context.Context, adapter ble.Adapter, addr, previous, expected string, opts VerifyOptions) (VersionResult, error) {
	def := DefaultVerifyOptions()
	if opts.Profile == (ble.Profile{}) {
		opts.Profile = def.Profile
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.Interval <= 0 {
		opts.Interval = def.Interval
	}

	res := VersionResult{Previous: previous, Expected: expected}
	slog.Info("[OTA] waiting for device to reboot", "delay", opts.BootDelay, "timeout", opts.Timeout)
	if err := sleepCtx(ctx, opts.BootDelay); err != nil {
		return res, &Error{Kind: KindCancelled, Stage: StageVersion, Err: err}
	}

	bounded, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	for {
		res.Attempts++
		v, err := readVersion(bounded, adapter, addr, opts)
		switch {
		case err == nil:
			res.Current = v
			if previous == "" {
				res.Outcome = VersionUnverified
				return res, nil
			}
			if v != previous {
				res.Outcome = VersionChanged
				slog.Info("[OTA] new firmware version", "previous", previous, "current", v)
				return res, nil
			}
			slog.Debug("[OTA] version unchanged, polling", "version", v, "attempt", res.Attempts)
		case ctx.Err() != nil:
			return res, &Error{Kind: KindCancelled, Stage: StageVersion, Err: ctx.Err()}
		default:
			slog.Debug("[OTA] device not back yet", "attempt", res.Attempts, "error", err)
		}

		t := time.NewTimer(opts.Interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return res, &Error{Kind: KindCancelled, Stage: StageVersion, Err: ctx.Err()}
		case <-bounded.Done():
			t.Stop()
			return finishVersion(res, opts.Timeout)
		case <-t.C:
		}
	}
}

func finishVersion(res VersionResult, timeout time.Duration) (VersionResult, error) {
	if res.Current != "" {
		res.Outcome = VersionUnchanged
		slog.Warn("[OTA] firmware version unchanged after reboot", "version", res.Current)
		return res, nil
	}
	res.Outcome = VersionTimedOut
	return res, &Error{
		Kind:   KindTimeout,
		Stage:  StageVersion,
		Detail: fmt.Sprintf("device did not come back within %s", timeout),
	}
}

func readVersion(ctx context.Context, adapter ble.Adapter, addr string, opts VerifyOptions) (string, error) {
	link, err := ble.Dial(ctx, adapter, addr, opts.Profile, opts.Link)
	if err != nil {
		return "", err
	}
	defer link.Close()
	return link.ReadVersion()
}
