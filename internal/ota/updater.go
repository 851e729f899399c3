// Package ota drives a LedSaber firmware update over BLE: START, chunked
// DATA, device verification and REBOOT, with reconnection around the
// erase-time disconnect some firmware builds exhibit.
package ota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/chaz8081/ledsaber-ota/internal/ble"
	"github.com/chaz8081/ledsaber-ota/internal/ble/protocol"
	"github.com/chaz8081/ledsaber-ota/internal/firmware"
)

// Updater owns the link to one device for the duration of an update.
// It is not safe for concurrent use.
type Updater struct {
	adapter ble.Adapter
	addr    string
	opts    Options
	id      string
	log     *slog.Logger
	session *Session

	link      *ble.Link
	version   string
	stage     Stage
	abortSent bool
}

// NewUpdater creates an updater for the device at addr.
func NewUpdater(adapter ble.Adapter, addr string, opts Options) *Updater {
	opts.applyDefaults()
	id := newSessionID(time.Now())
	return &Updater{
		adapter: adapter,
		addr:    addr,
		opts:    opts,
		id:      id,
		log:     slog.Default().With("session", id),
		session: NewSession(),
		stage:   StageConnect,
	}
}

func newSessionID(t time.Time) string {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// ID returns the session identifier attached to every log line.
func (u *Updater) ID() string { return u.id }

// Session exposes the protocol state, mainly for progress display.
func (u *Updater) Session() *Session { return u.session }

// DeviceVersion returns the firmware version read at connect time, or "".
func (u *Updater) DeviceVersion() string { return u.version }

// Connect enables the adapter, connects, reads the firmware version and
// subscribes to status and progress.
func (u *Updater) Connect(ctx context.Context) error {
	u.stage = StageConnect
	if err := u.adapter.Enable(); err != nil {
		return transportError(StageConnect, "enable adapter", err)
	}

	link, err := u.dial(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return &Error{Kind: KindCancelled, Stage: StageConnect, Err: err}
		}
		return transportError(StageConnect, "connect to "+u.addr, err)
	}
	u.link = link

	if v, err := link.ReadVersion(); err != nil {
		u.log.Warn("[OTA] could not read firmware version", "error", err)
	} else {
		u.version = v
	}

	phase, _ := u.session.Phase()
	u.log.Info("[OTA] connected", "addr", u.addr, "version", u.version, "phase", phase, "chunk_size", u.session.UnitSize())
	return nil
}

// dial opens a link, sizes chunks for it, subscribes and refreshes the
// session from an explicit status read.
func (u *Updater) dial(ctx context.Context) (*ble.Link, error) {
	link, err := ble.Dial(ctx, u.adapter, u.addr, u.opts.Profile, u.opts.Link)
	if err != nil {
		return nil, err
	}

	mtu, known := link.TransferUnit()
	size := protocol.EffectiveChunkSize(mtu, u.opts.MaxChunkSize)
	u.session.SetUnitSize(size)
	if !known {
		u.log.Warn("[OTA] MTU unknown, using conservative chunk size", "chunk_size", size)
	}

	if err := link.Subscribe(u.session.HandleStatus, u.session.HandleProgress); err != nil {
		link.Close()
		return nil, err
	}
	if err := u.refresh(link); err != nil {
		link.Close()
		return nil, err
	}
	return link, nil
}

// refresh reads the status characteristic into the session.
func (u *Updater) refresh(link *ble.Link) error {
	data, err := link.ReadStatus()
	if err != nil {
		return err
	}
	return u.session.UpdateStatus(data)
}

// refreshQuiet is refresh for pacing points where a failed read is not
// itself a decision; a lost link is picked up by the caller.
func (u *Updater) refreshQuiet() {
	if err := u.refresh(u.link); err != nil {
		u.log.Debug("[OTA] status refresh failed", "error", err)
	}
}

// Upload sends img and waits until the device reports READY. It does not
// reboot the device.
func (u *Updater) Upload(ctx context.Context, img *firmware.Image) error {
	u.stage = StagePrepare
	if img == nil || img.Len() == 0 {
		return &Error{Kind: KindPrecondition, Stage: StagePrepare, Detail: "firmware image is empty"}
	}
	if img.Len() > u.opts.MaxImageSize {
		return &Error{
			Kind:   KindPrecondition,
			Stage:  StagePrepare,
			Detail: fmt.Sprintf("firmware is %d bytes, device accepts at most %d", img.Len(), u.opts.MaxImageSize),
		}
	}
	if u.link == nil || u.link.IsLost() {
		return &Error{Kind: KindPrecondition, Stage: StagePrepare, Detail: "not connected", Err: ble.ErrNotConnected}
	}

	err := u.upload(ctx, img)
	if err == nil {
		snap := u.session.Snapshot()
		u.log.Info("[OTA] firmware accepted by device", "bytes", snap.BytesSent, "crc32", fmt.Sprintf("%08x", img.CRC32()))
		return nil
	}
	if ctx.Err() != nil && cancellable(err) {
		u.log.Warn("[OTA] update cancelled", "stage", u.stage)
		u.sendAbort()
		return &Error{Kind: KindCancelled, Stage: u.stage, Err: err}
	}
	return err
}

// cancellable reports whether err may be replaced by a cancellation. Device
// verdicts are kept as they are.
func cancellable(err error) bool {
	switch KindOf(err) {
	case KindProtocol, KindVerification, KindRecovery, KindPrecondition:
		return false
	}
	return true
}

func (u *Updater) upload(ctx context.Context, img *firmware.Image) error {
	if err := u.prepare(ctx); err != nil {
		return err
	}

	for attempt := 1; ; attempt++ {
		u.session.BeginUpload(img.Len())
		u.abortSent = false

		restart, err := u.start(ctx, img, attempt)
		if err != nil {
			return err
		}
		if !restart {
			break
		}
		if attempt >= u.opts.MaxStartAttempts {
			return transportError(StageStart, fmt.Sprintf("device returned to IDLE after reconnect %d times", attempt), nil)
		}
		u.log.Warn("[OTA] device is IDLE after reconnect, restarting", "attempt", attempt+1)
	}

	if err := u.transfer(ctx, img); err != nil {
		return err
	}
	return u.awaitReady(ctx)
}

// prepare brings the device to IDLE before START. A device left mid-update
// or in ERROR by an earlier session would otherwise reject START.
func (u *Updater) prepare(ctx context.Context) error {
	if err := u.refresh(u.link); err != nil {
		return transportError(StagePrepare, "read status", err)
	}
	phase, detail := u.session.Phase()
	switch phase {
	case protocol.PhaseIdle:
		return nil
	case protocol.PhaseRecovery:
		return &Error{Kind: KindRecovery, Stage: StagePrepare, Detail: "device booted its fallback image"}
	}

	u.log.Warn("[OTA] device not idle, aborting previous update", "phase", phase, "detail", detail)
	if err := u.link.SendCommand(protocol.CmdAbort, nil); err != nil {
		return transportError(StagePrepare, "send ABORT", err)
	}
	return u.waitPhase(ctx, StagePrepare, u.opts.StartTimeout, u.opts.StartPollInterval, protocol.PhaseIdle)
}

// waitPhase waits until the session reports want, polling the status.
func (u *Updater) waitPhase(ctx context.Context, stage Stage, timeout, poll time.Duration, want protocol.Phase) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		changed := u.session.Changed()
		if phase, _ := u.session.Phase(); phase == want {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			phase, _ := u.session.Phase()
			return &Error{Kind: KindTimeout, Stage: stage, Detail: fmt.Sprintf("device stayed %s, expected %s within %s", phase, want, timeout)}
		case <-u.link.Lost():
			return transportError(stage, "connection lost", ble.ErrNotConnected)
		case <-changed:
		case <-ticker.C:
			u.refreshQuiet()
		}
	}
}

// start sends START and waits for WAITING. restart is true when the device
// came back IDLE after a reconnect and START must be sent again.
func (u *Updater) start(ctx context.Context, img *firmware.Image, attempt int) (restart bool, err error) {
	u.stage = StageStart
	u.log.Info("[OTA] sending START", "bytes", img.Len(), "attempt", attempt)

	if err := u.link.SendStart(uint32(img.Len())); err != nil && !u.link.IsLost() {
		return false, transportError(StageStart, "send START", err)
	}

	if !u.link.IsLost() {
		if err := u.refresh(u.link); err != nil && !u.link.IsLost() {
			if !u.opts.AssumeDisconnectOnStart {
				return false, transportError(StageStart, "read status after START", err)
			}
			u.log.Debug("[OTA] status read after START failed", "error", err)
		}
	}

	return u.awaitWaiting(ctx)
}

func (u *Updater) awaitWaiting(ctx context.Context) (bool, error) {
	deadline := time.NewTimer(u.opts.StartTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(u.opts.StartPollInterval)
	defer ticker.Stop()

	for {
		changed := u.session.Changed()
		if err := u.checkFault(StageStart); err != nil {
			return false, err
		}
		if phase, _ := u.session.Phase(); phase == protocol.PhaseWaiting {
			u.log.Info("[OTA] device ready to receive")
			return false, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-deadline.C:
			phase, _ := u.session.Phase()
			return false, &Error{Kind: KindTimeout, Stage: StageStart, Detail: fmt.Sprintf("device did not reach WAITING within %s (phase %s)", u.opts.StartTimeout, phase)}
		case <-u.link.Lost():
			return u.resumeAfterDrop(ctx)
		case <-changed:
		case <-ticker.C:
			if err := u.refresh(u.link); err != nil {
				if u.link.IsLost() {
					continue
				}
				if !u.opts.AssumeDisconnectOnStart {
					return false, transportError(StageStart, "read status", err)
				}
				u.log.Debug("[OTA] status poll failed during START", "error", err)
			}
		}
	}
}

// checkFault ends the attempt on a latched ERROR or RECOVERY status. ERROR
// is answered with a single ABORT; RECOVERY is left alone. An ERROR that
// follows VERIFYING is a verification failure whatever the host was doing.
func (u *Updater) checkFault(stage Stage) error {
	f, ok := u.session.Fault()
	if !ok {
		return nil
	}
	if f.Phase == protocol.PhaseRecovery {
		return &Error{Kind: KindRecovery, Stage: stage, Detail: f.Detail}
	}
	kind := KindProtocol
	if stage == StageVerify || f.After == protocol.PhaseVerifying {
		kind, stage = KindVerification, StageVerify
	}
	return u.fail(kind, stage, f.Detail)
}

func (u *Updater) fail(kind Kind, stage Stage, detail string) error {
	u.log.Error("[OTA] update failed", "stage", stage, "kind", kind, "detail", detail)
	u.sendAbort()
	return &Error{Kind: kind, Stage: stage, Detail: detail}
}

// transfer writes the image in order, one chunk per DATA write, checking
// the device status after every chunk.
func (u *Updater) transfer(ctx context.Context, img *firmware.Image) error {
	u.stage = StageTransfer
	size := u.session.UnitSize()
	chunks := protocol.ChunkImage(img.Bytes(), size)
	u.session.BeginData()
	u.log.Info("[OTA] sending firmware", "chunks", len(chunks), "chunk_size", size)

	for i, c := range chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if u.link.IsLost() {
			return u.lostDuringTransfer(c.Offset, img.Len())
		}

		if err := u.link.WriteChunk(c.Data); err != nil {
			if u.link.IsLost() {
				return u.lostDuringTransfer(c.Offset, img.Len())
			}
			return transportError(StageTransfer, fmt.Sprintf("write chunk at offset %d", c.Offset), err)
		}
		u.session.AddSent(len(c.Data))

		if err := u.checkFault(StageTransfer); err != nil {
			return err
		}
		if phase, _ := u.session.Phase(); phase == protocol.PhaseIdle {
			return u.fail(KindProtocol, StageTransfer, "device abandoned the transfer")
		}

		if n := i + 1; n%u.opts.BatchSize == 0 && n < len(chunks) {
			if err := sleepCtx(ctx, u.opts.BatchPause); err != nil {
				return err
			}
			u.refreshQuiet()
			if err := u.checkFault(StageTransfer); err != nil {
				return err
			}
		}
	}
	return nil
}

func (u *Updater) lostDuringTransfer(offset, total int) error {
	u.log.Error("[OTA] connection lost during transfer", "sent", offset, "total", total)
	return transportError(StageTransfer, fmt.Sprintf("connection lost after %d of %d bytes", offset, total), ble.ErrNotConnected)
}

// awaitReady waits for the device's verdict on the received image.
func (u *Updater) awaitReady(ctx context.Context) error {
	u.stage = StageVerify
	u.refreshQuiet()

	if u.opts.ExplicitVerify {
		if phase, _ := u.session.Phase(); phase == protocol.PhaseReceiving {
			u.log.Info("[OTA] requesting verification")
			if err := u.link.SendCommand(protocol.CmdVerify, nil); err != nil {
				return transportError(StageVerify, "send VERIFY", err)
			}
		}
	}

	u.log.Info("[OTA] waiting for device verification", "timeout", u.opts.VerifyTimeout)
	deadline := time.NewTimer(u.opts.VerifyTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(u.opts.VerifyPollInterval)
	defer ticker.Stop()

	for {
		changed := u.session.Changed()
		if err := u.checkFault(StageVerify); err != nil {
			return err
		}
		if phase, _ := u.session.Phase(); phase == protocol.PhaseReady {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			phase, _ := u.session.Phase()
			return &Error{Kind: KindTimeout, Stage: StageVerify, Detail: fmt.Sprintf("device did not report READY within %s (phase %s)", u.opts.VerifyTimeout, phase)}
		case <-u.link.Lost():
			return transportError(StageVerify, "connection lost while the device was verifying", ble.ErrNotConnected)
		case <-changed:
		case <-ticker.C:
			u.refreshQuiet()
		}
	}
}

// Reboot asks a READY device to boot the new image and releases the link.
func (u *Updater) Reboot(ctx context.Context) error {
	u.stage = StageReboot
	if u.link == nil || u.link.IsLost() {
		return &Error{Kind: KindPrecondition, Stage: StageReboot, Detail: "not connected", Err: ble.ErrNotConnected}
	}
	if phase, _ := u.session.Phase(); phase != protocol.PhaseReady {
		return &Error{Kind: KindPrecondition, Stage: StageReboot, Detail: fmt.Sprintf("device is %s, not READY", phase)}
	}

	u.log.Info("[OTA] sending REBOOT")
	if err := u.link.SendCommand(protocol.CmdReboot, nil); err != nil {
		return transportError(StageReboot, "send REBOOT", err)
	}
	if err := sleepCtx(ctx, u.opts.RebootSettle); err != nil {
		u.link.Close()
		return &Error{Kind: KindCancelled, Stage: StageReboot, Err: err}
	}
	return u.link.Close()
}

// Abort sends ABORT once for the current attempt. It is best-effort and
// does nothing without a live link.
func (u *Updater) Abort() {
	u.sendAbort()
}

func (u *Updater) sendAbort() {
	if u.abortSent || u.link == nil || u.link.IsLost() {
		return
	}
	u.abortSent = true
	if err := u.link.SendCommand(protocol.CmdAbort, nil); err != nil {
		u.log.Warn("[OTA] ABORT not delivered", "error", err)
		return
	}
	u.log.Info("[OTA] ABORT sent")
}

// Close releases the link. It is safe to call more than once.
func (u *Updater) Close() error {
	if u.link == nil {
		return nil
	}
	err := u.link.Close()
	if err != nil && !errors.Is(err, ble.ErrNotConnected) {
		return err
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
