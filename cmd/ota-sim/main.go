// Command ota-sim is a manual dry run of the OTA flow against the built-in
// device simulator. It uploads a generated image and reports what the
// simulated saber saw, with switches for the device faults the updater
// has to survive.
//
// Usage:
//
//	go run ./cmd/ota-sim [-size 500000] [-mtu 247] [-drop-on-start] [-fail-after 300]
package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/chaz8081/ledsaber-ota/internal/ble/protocol"
	"github.com/chaz8081/ledsaber-ota/internal/ble/sim"
	"github.com/chaz8081/ledsaber-ota/internal/console"
	"github.com/chaz8081/ledsaber-ota/internal/firmware"
	"github.com/chaz8081/ledsaber-ota/internal/ota"
)

func main() {
	size := flag.Int("size", 500000, "generated image size in bytes")
	mtu := flag.Int("mtu", 247, "ATT MTU reported by the simulated device (0 = unknown)")
	dropOnStart := flag.Bool("drop-on-start", false, "drop the link while handling START")
	idleOnReconnect := flag.Bool("idle-on-reconnect", false, "come back IDLE after the START drop")
	reconnectFailures := flag.Int("reconnect-failures", 0, "connection attempts refused after a drop")
	failAfter := flag.Int("fail-after", 0, "report ERROR after this many chunks")
	failDetail := flag.String("fail-detail", "CRC mismatch", "error text for -fail-after")
	verifyFail := flag.String("verify-fail", "", "fail verification with this error text")
	recovery := flag.Bool("recovery", false, "answer START with RECOVERY")
	muteStatus := flag.Bool("mute-status", false, "suppress status notifications")
	explicitVerify := flag.Bool("explicit-verify", false, "device waits for VERIFY")
	newVersion := flag.String("new-version", "1.1.0", "version reported after reboot")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	out := console.NewPrinter(os.Stdout)
	dev := sim.New(sim.Config{
		MTU:               *mtu,
		MTUErr:            *mtu == 0,
		Version:           "1.0.0",
		NewVersion:        *newVersion,
		DropOnStart:       *dropOnStart,
		IdleOnReconnect:   *idleOnReconnect,
		ReconnectFailures: *reconnectFailures,
		FailAfterChunks:   *failAfter,
		FailDetail:        *failDetail,
		VerifyFailDetail:  *verifyFail,
		ExplicitVerify:    *explicitVerify,
		RecoveryOnStart:   *recovery,
		MuteStatus:        *muteStatus,
		RebootDowntime:    2,
	})

	data := make([]byte, *size)
	rand.Read(data)
	img := firmware.New("sim.bin", data)

	opts := ota.DefaultOptions()
	opts.Link.Settle = 0
	opts.ExplicitVerify = *explicitVerify
	opts.AssumeDisconnectOnStart = *dropOnStart
	opts.Reconnect.Settle = 100 * time.Millisecond
	opts.RebootSettle = 0

	out.Title("=== ota-sim ===")
	out.Field("Image", fmt.Sprintf("%s, crc32 %08x", console.FormatKB(img.Len()), img.CRC32()))
	out.Field("Device", dev.Address())

	code := run(dev, img, opts, out)
	summarize(out, dev)
	os.Exit(code)
}

func run(dev *sim.Device, img *firmware.Image, opts ota.Options, out *console.Printer) int {
	ctx := context.Background()
	u := ota.NewUpdater(dev, dev.Address(), opts)
	defer u.Close()

	if err := u.Connect(ctx); err != nil {
		out.Error("Connect: %v", err)
		return 1
	}
	out.Info("Connected, version %s, chunk size %d", u.DeviceVersion(), u.Session().UnitSize())

	renderer := console.NewProgressRenderer(os.Stdout, console.DefaultRefresh)
	renderCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		renderer.Run(renderCtx, u.Session().Reports())
		close(done)
	}()
	err := u.Upload(ctx, img)
	cancel()
	<-done
	renderer.Finish(u.Session().Report())
	if err != nil {
		out.Error("Upload: %v (kind: %s)", err, ota.KindOf(err))
		return 1
	}
	out.Success("Device READY")
	// The device drops its receive buffer on REBOOT, so compare now.
	reportImage(out, dev, img)

	if err := u.Reboot(ctx); err != nil {
		out.Error("Reboot: %v", err)
		return 1
	}

	vopts := ota.DefaultVerifyOptions()
	vopts.Link.Settle = 0
	vopts.BootDelay = 0
	vopts.Interval = 100 * time.Millisecond
	vopts.Timeout = 5 * time.Second
	res, err := ota.VerifyVersion(ctx, dev, dev.Address(), u.DeviceVersion(), "", vopts)
	if err != nil {
		out.Error("Version check: %v", err)
		return 1
	}
	out.Success("Version %s -> %s (%s after %d attempts)", res.Previous, res.Current, res.Outcome, res.Attempts)
	return 0
}

func summarize(out *console.Printer, dev *sim.Device) {
	out.Title("Device log")
	for _, e := range dev.Commands() {
		out.Field(e.Command.String(), "received in "+e.Phase.String())
	}
	out.Field("DATA", fmt.Sprintf("%d writes", dev.DataWrites()))
	out.Field("Connections", dev.Connections())

	if st := dev.Status(); st.Phase != protocol.PhaseIdle {
		out.Field("Final phase", st.Phase)
	}
}

func reportImage(out *console.Printer, dev *sim.Device, img *firmware.Image) {
	got := dev.Received()
	switch {
	case len(got) == 0:
		out.Field("Image", "none held")
	case len(got) == img.Len() && string(got) == string(img.Bytes()):
		out.Field("Image", "identical to source")
	default:
		out.Field("Image", fmt.Sprintf("%d of %d bytes", len(got), img.Len()))
	}
}
