// Command saber-ota uploads firmware to a LedSaber controller over BLE.
//
// Usage:
//
//	saber-ota [flags] <firmware.bin> [address]
//
// Without an address the device is found by scanning for its name.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/chaz8081/ledsaber-ota/internal/ble"
	"github.com/chaz8081/ledsaber-ota/internal/config"
	"github.com/chaz8081/ledsaber-ota/internal/console"
	"github.com/chaz8081/ledsaber-ota/internal/firmware"
	"github.com/chaz8081/ledsaber-ota/internal/ota"
)

const (
	exitOK   = 0
	exitFail = 1
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fl, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitFail
	}
	out := console.NewPrinter(stdout)

	if fl.initConfig {
		path, err := config.WriteDefault()
		switch {
		case err != nil:
			out.Error("Could not write config: %v", err)
			return exitFail
		case path == "":
			out.Info("Config already exists at %s", config.DefaultConfigPath())
		default:
			out.Success("Wrote default config to %s", path)
		}
		return exitOK
	}

	cfg, err := loadConfig(fl.configPath, out)
	if err != nil {
		out.Error("Config: %v", err)
		return exitFail
	}
	fl.apply(cfg)
	if err := cfg.Validate(); err != nil {
		out.Error("Config validation: %v", err)
		return exitFail
	}
	setupLogging(stderr, cfg.LogLevel)

	fwPath := fl.firmwarePath
	if fwPath == "" {
		fwPath = cfg.FirmwarePath
	}
	if fwPath == "" {
		out.Error("No firmware file given")
		out.Hint("usage: saber-ota [flags] <firmware.bin> [address]")
		return exitFail
	}

	img, err := firmware.Load(fwPath, cfg.Transfer.MaxImageSize)
	if err != nil {
		out.Error("Firmware: %v", err)
		return exitFail
	}
	printBanner(out, cfg, img)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	prompt := console.NewPrompter(stdin, stdout, fl.assumeYes)
	adapter := ble.NewTinyGoAdapter()

	addr := fl.address
	if addr == "" {
		addr = cfg.Device.Address
	}
	if addr == "" {
		dev, ok := discover(adapter, cfg, prompt, out)
		if !ok {
			return exitFail
		}
		if dev.MAC == "" {
			return exitOK
		}
		addr = dev.MAC
	}

	return update(ctx, adapter, addr, img, cfg, fl, prompt, out)
}

// discover scans for devices and lets the operator pick one. A zero Device
// with ok means the operator backed out.
func discover(adapter ble.Adapter, cfg *config.Config, prompt *console.Prompter, out *console.Printer) (ble.Device, bool) {
	out.Info("Scanning for %q devices (%s)...", cfg.Device.NameFilter, cfg.Device.ScanTimeout)
	devices, err := ble.ScanForDevices(adapter, cfg.Device.NameFilter, cfg.Device.ScanTimeout)
	if err != nil {
		out.Error("Scan failed: %v", err)
		return ble.Device{}, false
	}
	if len(devices) == 0 {
		out.Error("No %q device found", cfg.Device.NameFilter)
		out.Hint("check that the saber is powered on and in range, or pass its address")
		return ble.Device{}, false
	}

	dev, err := prompt.SelectDevice(devices)
	if err != nil {
		if errors.Is(err, console.ErrCancelled) || errors.Is(err, io.EOF) {
			out.Info("No device selected")
			return ble.Device{}, true
		}
		out.Error("Device selection: %v", err)
		return ble.Device{}, false
	}
	out.Info("Using %s (%s, %d dBm)", dev.Name, dev.MAC, dev.RSSI)
	return dev, true
}

func update(ctx context.Context, adapter ble.Adapter, addr string, img *firmware.Image, cfg *config.Config, fl *flags, prompt *console.Prompter, out *console.Printer) int {
	u := ota.NewUpdater(adapter, addr, updaterOptions(cfg))
	defer u.Close()

	out.Info("Connecting to %s...", addr)
	if err := u.Connect(ctx); err != nil {
		reportError(out, err)
		return exitFail
	}
	previous := u.DeviceVersion()
	out.Success("Connected, firmware version %s, chunk size %d bytes", orUnknown(previous), u.Session().UnitSize())

	ok, err := prompt.Confirm(fmt.Sprintf("Upload %s (%s) to %s?", img.Name(), console.FormatKB(img.Len()), addr), false)
	if err != nil || !ok {
		out.Info("Update cancelled")
		return exitOK
	}

	if err := upload(ctx, u, img, out); err != nil {
		reportError(out, err)
		return exitFail
	}
	out.Success("Firmware verified by the device")

	if fl.noReboot {
		out.Info("Reboot skipped; the new image is applied on the next restart")
		return exitOK
	}
	ok, err = prompt.Confirm("Reboot the device now?", true)
	if err != nil || !ok {
		out.Info("Reboot skipped; the new image is applied on the next restart")
		return exitOK
	}
	if err := u.Reboot(ctx); err != nil {
		reportError(out, err)
		return exitFail
	}
	out.Success("Reboot command sent")

	if !cfg.Verify.Enabled {
		return exitOK
	}
	out.Info("Waiting for the device to come back...")
	res, err := ota.VerifyVersion(ctx, adapter, addr, previous, fl.expectVersion, verifyOptions(cfg))
	return reportVersion(out, res, err)
}

func upload(ctx context.Context, u *ota.Updater, img *firmware.Image, out *console.Printer) error {
	renderer := console.NewProgressRenderer(out.Writer(), console.DefaultRefresh)
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
	return err
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string, out *console.Printer) (*config.Config, error) {
	cfg, used, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, err
	}
	if used == "" {
		slog.Debug("No config file found, using defaults")
	} else {
		out.Info("Config loaded from %s", used)
	}
	return cfg, nil
}

func setupLogging(w io.Writer, level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})))
}

// printBanner displays the image and transfer settings.
func printBanner(out *console.Printer, cfg *config.Config, img *firmware.Image) {
	out.Title("=== LedSaber OTA ===")
	out.Field("Firmware", img.Path())
	out.Field("Size", fmt.Sprintf("%s (%d bytes)", console.FormatKB(img.Len()), img.Len()))
	out.Field("CRC32", fmt.Sprintf("%08x", img.CRC32()))
	out.Field("Verify", verifyMode(cfg))
	out.Field("Log", cfg.LogLevel)
}

func verifyMode(cfg *config.Config) string {
	mode := "automatic"
	if cfg.Transfer.ExplicitVerify {
		mode = "explicit VERIFY"
	}
	if cfg.Transfer.AssumeDisconnectOnStart {
		mode += ", expects disconnect on START"
	}
	return mode
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
