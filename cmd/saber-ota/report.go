package main

import (
	"errors"

	"github.com/chaz8081/ledsaber-ota/internal/console"
	"github.com/chaz8081/ledsaber-ota/internal/ota"
)

// reportError prints one message per failure class.
func reportError(out *console.Printer, err error) {
	var oerr *ota.Error
	if !errors.As(err, &oerr) {
		out.Error("Update failed: %v", err)
		return
	}

	switch oerr.Kind {
	case ota.KindPrecondition:
		out.Error("Cannot %s: %s", oerr.Stage, detailOr(oerr, "precondition failed"))
	case ota.KindProtocol:
		out.Error("Device reported an error during %s: %s", oerr.Stage, detailOr(oerr, "no detail"))
		out.Hint("the transfer was aborted; the device keeps its current firmware")
	case ota.KindVerification:
		out.Error("Device rejected the firmware image: %s", detailOr(oerr, "no detail"))
		out.Hint("check that the image was built for this board")
	case ota.KindTransport:
		out.Error("Connection failure during %s: %v", oerr.Stage, err)
		out.Hint("move closer to the saber and retry")
	case ota.KindDeviceLost:
		out.Error("Device lost during %s: %s", oerr.Stage, detailOr(oerr, "it did not come back"))
		out.Hint("power-cycle the saber; it boots the previous firmware")
	case ota.KindTimeout:
		out.Error("Timed out during %s: %s", oerr.Stage, detailOr(oerr, "no answer"))
	case ota.KindRecovery:
		out.Error("Device is in recovery mode")
		out.Hint("the saber booted its fallback image; reflash it over USB")
	case ota.KindCancelled:
		out.Warn("Update cancelled during %s", oerr.Stage)
	default:
		out.Error("Update failed: %v", err)
	}
}

func detailOr(e *ota.Error, fallback string) string {
	if e.Detail != "" {
		return e.Detail
	}
	return fallback
}

// reportVersion prints the version check result and returns the exit code.
func reportVersion(out *console.Printer, res ota.VersionResult, err error) int {
	if err != nil {
		reportError(out, err)
		return exitFail
	}

	switch res.Outcome {
	case ota.VersionChanged:
		out.Success("Firmware updated: %s -> %s", res.Previous, res.Current)
	case ota.VersionUnchanged:
		out.Warn("Firmware version is still %s after reboot", res.Current)
		out.Hint("the bootloader may have rolled back to the previous image")
	case ota.VersionUnverified:
		out.Info("Device is back, firmware version %s", res.Current)
	}

	if match, ok := res.MatchesExpected(); ok {
		if match {
			out.Success("Version matches the expected %s", res.Expected)
		} else {
			out.Warn("Expected version %s, device reports %s", res.Expected, res.Current)
		}
	}
	return exitOK
}
