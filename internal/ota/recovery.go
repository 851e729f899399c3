package ota

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/chaz8081/ledsaber-ota/internal/ble/protocol"
)

// maxBackoffShift keeps 1<<attempt from overflowing.
const maxBackoffShift = 30

// backoffDelay returns the delay before reconnect attempt n (0-based),
// doubling from base and capped at max.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt > maxBackoffShift {
		attempt = maxBackoffShift
	}
	delay := base * time.Duration(1<<uint(attempt))
	if delay > max || delay <= 0 {
		return max
	}
	return delay
}

// resumeAfterDrop handles a link drop while waiting for WAITING. It
// reconnects, re-reads the status and decides from the device's phase:
// WAITING continues without resending START, IDLE restarts the sequence.
func (u *Updater) resumeAfterDrop(ctx context.Context) (restart bool, err error) {
	level := slog.LevelWarn
	if u.opts.AssumeDisconnectOnStart {
		level = slog.LevelInfo
	}
	u.log.Log(ctx, level, "[OTA] link dropped after START, reconnecting", "expected", u.opts.AssumeDisconnectOnStart)

	if err := u.reconnect(ctx); err != nil {
		return false, err
	}

	phase, detail := u.session.Phase()
	switch phase {
	case protocol.PhaseWaiting:
		u.log.Info("[OTA] device still waiting for data, continuing")
		return false, nil
	case protocol.PhaseIdle:
		return true, nil
	case protocol.PhaseError:
		return false, u.fail(KindProtocol, StageStart, detail)
	case protocol.PhaseRecovery:
		return false, &Error{Kind: KindRecovery, Stage: StageStart, Detail: detail}
	default:
		return false, u.fail(KindProtocol, StageStart, fmt.Sprintf("unexpected phase %s after reconnect", phase))
	}
}

// reconnect replaces the lost link with a fresh one. The session is
// refreshed by dial, so callers can act on its phase immediately.
func (u *Updater) reconnect(ctx context.Context) error {
	u.link.Close()
	rc := u.opts.Reconnect

	if err := sleepCtx(ctx, rc.Settle); err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < rc.Attempts; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt-1, rc.Backoff, rc.MaxBackoff)
			u.log.Info("[OTA] reconnect backoff", "attempt", attempt+1, "delay", delay)
			if err := sleepCtx(ctx, delay); err != nil {
				return err
			}
		}

		link, err := u.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = err
			u.log.Warn("[OTA] reconnect failed", "attempt", attempt+1, "error", err)
			continue
		}

		u.link = link
		phase, _ := u.session.Phase()
		u.log.Info("[OTA] reconnected", "addr", u.addr, "phase", phase, "attempt", attempt+1)
		return nil
	}

	return &Error{
		Kind:   KindDeviceLost,
		Stage:  StageStart,
		Detail: fmt.Sprintf("gave up after %d reconnection attempts", rc.Attempts),
		Err:    lastErr,
	}
}
