package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNewWithoutTokenIsDisabled(t *testing.T) {
	n := New("", "#ops", discardLogger())
	assert.False(t, n.IsEnabled())
}

func TestNewWithoutChannelIsDisabled(t *testing.T) {
	n := New("xoxb-fake", "", discardLogger())
	assert.False(t, n.IsEnabled())
}

func TestNewWithTokenAndChannelIsEnabled(t *testing.T) {
	n := New("xoxb-fake", "#ops", discardLogger())
	assert.True(t, n.IsEnabled())
}

func TestDisabledNotifierNeverDialsSlack(t *testing.T) {
	n := New("", "", discardLogger())
	// With no client configured, these must be no-ops rather than panic on a
	// nil *goslack.Client.
	n.SweepFailure(context.Background(), 3, errors.New("boom"))
	n.QuotaBreach(context.Background(), "containers", 10, 10)
}
