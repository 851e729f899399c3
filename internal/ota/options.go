package ota

import (
	"time"

	"github.com/chaz8081/ledsaber-ota/internal/ble"
	"github.com/chaz8081/ledsaber-ota/internal/ble/protocol"
	"github.com/chaz8081/ledsaber-ota/internal/firmware"
)

// Options configures an Updater. Start from DefaultOptions; zero pauses and
// settle delays mean none, zero timeouts and intervals fall back to defaults.
type Options struct {
	Profile ble.Profile
	Link    ble.LinkOptions

	MaxImageSize int
	MaxChunkSize int

	// BatchSize chunks are written before pausing for BatchPause and
	// re-reading the status.
	BatchSize  int
	BatchPause time.Duration

	StartTimeout      time.Duration
	StartPollInterval time.Duration

	VerifyTimeout      time.Duration
	VerifyPollInterval time.Duration

	// ExplicitVerify sends VERIFY after the last chunk if the device is still
	// RECEIVING. Firmware that verifies on its own does not need it.
	ExplicitVerify bool

	// AssumeDisconnectOnStart marks a link drop right after START as normal
	// device behavior: status read failures during the START wait are
	// tolerated and the drop is logged at info level.
	AssumeDisconnectOnStart bool

	// MaxStartAttempts bounds how often the sequence restarts from START
	// when the device comes back IDLE after a reconnect.
	MaxStartAttempts int

	Reconnect ReconnectOptions

	// RebootSettle is how long to keep the link after sending REBOOT.
	RebootSettle time.Duration
}

// ReconnectOptions bounds reconnection after a link drop during START.
type ReconnectOptions struct {
	Attempts   int
	Settle     time.Duration // wait before the first attempt
	Backoff    time.Duration // first retry delay, doubled per attempt
	MaxBackoff time.Duration
}

// DefaultOptions returns the options used by the command line tool.
func DefaultOptions() Options {
	return Options{
		Profile:            ble.DefaultProfile(),
		Link:               ble.DefaultLinkOptions(),
		MaxImageSize:       firmware.MaxImageSize,
		MaxChunkSize:       protocol.MaxChunkSize,
		BatchSize:          50,
		BatchPause:         20 * time.Millisecond,
		StartTimeout:       10 * time.Second,
		StartPollInterval:  500 * time.Millisecond,
		VerifyTimeout:      30 * time.Second,
		VerifyPollInterval: time.Second,
		MaxStartAttempts:   2,
		Reconnect: ReconnectOptions{
			Attempts:   5,
			Settle:     2 * time.Second,
			Backoff:    time.Second,
			MaxBackoff: 8 * time.Second,
		},
		RebootSettle: 2 * time.Second,
	}
}

func (o *Options) applyDefaults() {
	def := DefaultOptions()
	if o.Profile == (ble.Profile{}) {
		o.Profile = def.Profile
	}
	if o.MaxImageSize <= 0 {
		o.MaxImageSize = def.MaxImageSize
	}
	if o.MaxChunkSize <= 0 {
		o.MaxChunkSize = def.MaxChunkSize
	}
	if o.BatchSize <= 0 {
		o.BatchSize = def.BatchSize
	}
	if o.StartTimeout <= 0 {
		o.StartTimeout = def.StartTimeout
	}
	if o.StartPollInterval <= 0 {
		o.StartPollInterval = def.StartPollInterval
	}
	if o.VerifyTimeout <= 0 {
		o.VerifyTimeout = def.VerifyTimeout
	}
	if o.VerifyPollInterval <= 0 {
		o.VerifyPollInterval = def.VerifyPollInterval
	}
	if o.MaxStartAttempts <= 0 {
		o.MaxStartAttempts = def.MaxStartAttempts
	}
	if o.Reconnect.Attempts <= 0 {
		o.Reconnect.Attempts = def.Reconnect.Attempts
	}
	if o.Reconnect.Backoff <= 0 {
		o.Reconnect.Backoff = def.Reconnect.Backoff
	}
	if o.Reconnect.MaxBackoff <= 0 {
		o.Reconnect.MaxBackoff = def.Reconnect.MaxBackoff
	}
}
