package ota

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaz8081/ledsaber-ota/internal/ble"
	"github.com/chaz8081/ledsaber-ota/internal/ble/sim"
)

func testVerifyOptions() VerifyOptions {
	return VerifyOptions{
		Link:     ble.LinkOptions{ConnectTimeout: time.Second},
		Timeout:  200 * time.Millisecond,
		Interval: 5 * time.Millisecond,
	}
}

func TestVerifyVersionChanged(t *testing.T) {
	dev := sim.New(sim.Config{Version: "1.0.0", NewVersion: "1.1.0", RebootDowntime: 3})
	u := connectedUpdater(t, dev, testOptions())
	require.NoError(t, u.Upload(context.Background(), testImage(3000)))
	require.NoError(t, u.Reboot(context.Background()))

	res, err := VerifyVersion(context.Background(), dev, dev.Address(), u.DeviceVersion(), "1.1.0", testVerifyOptions())
	require.NoError(t, err)

	assert.Equal(t, VersionChanged, res.Outcome)
	assert.Equal(t, "1.0.0", res.Previous)
	assert.Equal(t, "1.1.0", res.Current)
	assert.Equal(t, 4, res.Attempts)
	match, ok := res.MatchesExpected()
	assert.True(t, ok)
	assert.True(t, match)
}

func TestVerifyVersionUnchangedIsNotAnError(t *testing.T) {
	dev := sim.New(sim.Config{Version: "1.0.0"})

	res, err := VerifyVersion(context.Background(), dev, dev.Address(), "1.0.0", "", testVerifyOptions())
	require.NoError(t, err)

	assert.Equal(t, VersionUnchanged, res.Outcome)
	assert.Equal(t, "1.0.0", res.Current)
	assert.Greater(t, res.Attempts, 1, "an unchanged version keeps polling")
	_, ok := res.MatchesExpected()
	assert.False(t, ok)
}

func TestVerifyVersionTimedOut(t *testing.T) {
	dev := sim.New(sim.Config{})

	res, err := VerifyVersion(context.Background(), dev, "11:22:33:44:55:66", "1.0.0", "", testVerifyOptions())
	require.Error(t, err)

	assert.Equal(t, VersionTimedOut, res.Outcome)
	assert.Equal(t, KindTimeout, KindOf(err))
	assert.Empty(t, res.Current)
}

func TestVerifyVersionUnverifiedWithoutPrevious(t *testing.T) {
	dev := sim.New(sim.Config{Version: "2.0.0"})

	res, err := VerifyVersion(context.Background(), dev, dev.Address(), "", "2.1.0", testVerifyOptions())
	require.NoError(t, err)

	assert.Equal(t, VersionUnverified, res.Outcome)
	match, ok := res.MatchesExpected()
	assert.True(t, ok)
	assert.False(t, match)
}

func TestVerifyVersionUsesFreshConnections(t *testing.T) {
	dev := sim.New(sim.Config{Version: "1.0.0"})

	res, err := VerifyVersion(context.Background(), dev, dev.Address(), "1.0.0", "", testVerifyOptions())
	require.NoError(t, err)
	assert.Equal(t, res.Attempts, dev.Connections())

	var connects, disconnects int
	for _, e := range dev.Events() {
		switch e.Kind {
		case sim.EventConnect:
			connects++
		case sim.EventDisconnect:
			disconnects++
		}
	}
	assert.Equal(t, connects, disconnects, "every attempt must release its connection")
}

func TestVerifyVersionCancelled(t *testing.T) {
	dev := sim.New(sim.Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	opts := testVerifyOptions()
	opts.BootDelay = time.Second
	_, err := VerifyVersion(ctx, dev, dev.Address(), "1.0.0", "", opts)
	assert.Equal(t, KindCancelled, KindOf(err))
}

func TestVersionOutcomeString(t *testing.T) {
	assert.Equal(t, "changed", VersionChanged.String())
	assert.Equal(t, "unchanged", VersionUnchanged.String())
	assert.Equal(t, "timed out", VersionTimedOut.String())
	assert.Equal(t, "unknown", VersionOutcome(0).String())
}
