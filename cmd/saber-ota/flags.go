package main

import (
	"flag"
	"fmt"
	"io"

	"github.com/chaz8081/ledsaber-ota/internal/config"
)

type flags struct {
	configPath    string
	initConfig    bool
	assumeYes     bool
	expectVersion string
	logLevel      string
	noReboot      bool
	firmwarePath  string
	address       string

	// Only applied when given on the command line.
	assumeDisconnect *bool
	explicitVerify   *bool
	mtu              *int
}

func parseFlags(args []string, stderr io.Writer) (*flags, error) {
	fs := flag.NewFlagSet("saber-ota", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "usage: saber-ota [flags] <firmware.bin> [address]")
		fs.PrintDefaults()
	}

	fl := &flags{}
	var yes, yesYes, assumeDisconnect, explicitVerify bool
	var mtu int
	fs.StringVar(&fl.configPath, "config", "", "path to config file (default: ~/.config/ledsaber-ota/config.yaml)")
	fs.BoolVar(&fl.initConfig, "init-config", false, "write the default config file and exit")
	fs.BoolVar(&yes, "y", false, "answer yes to every confirmation")
	fs.BoolVar(&yesYes, "YY", false, "alias for -y")
	fs.StringVar(&fl.expectVersion, "expect-version", "", "firmware version the new image should report")
	fs.BoolVar(&assumeDisconnect, "assume-disconnect-on-start", false, "treat a disconnect right after START as normal")
	fs.BoolVar(&explicitVerify, "explicit-verify", false, "send VERIFY after the last chunk")
	fs.IntVar(&mtu, "mtu", 0, "force the ATT MTU instead of querying the link")
	fs.StringVar(&fl.logLevel, "log-level", "", "log level: debug, info, warn, error")
	fs.BoolVar(&fl.noReboot, "no-reboot", false, "leave the device READY without rebooting")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 2 {
		fs.Usage()
		return nil, fmt.Errorf("too many arguments")
	}

	fl.assumeYes = yes || yesYes
	fl.firmwarePath = fs.Arg(0)
	fl.address = fs.Arg(1)

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "assume-disconnect-on-start":
			fl.assumeDisconnect = &assumeDisconnect
		case "explicit-verify":
			fl.explicitVerify = &explicitVerify
		case "mtu":
			fl.mtu = &mtu
		}
	})
	return fl, nil
}

// apply overrides config values with flags given on the command line.
func (fl *flags) apply(cfg *config.Config) {
	if fl.logLevel != "" {
		cfg.LogLevel = fl.logLevel
	}
	if fl.assumeDisconnect != nil {
		cfg.Transfer.AssumeDisconnectOnStart = *fl.assumeDisconnect
	}
	if fl.explicitVerify != nil {
		cfg.Transfer.ExplicitVerify = *fl.explicitVerify
	}
	if fl.mtu != nil {
		cfg.Device.MTUOverride = *fl.mtu
	}
}
