package captcha

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctfrange/orchestrator/internal/apierr"
)

type fixedGenerator struct{ answer string }

func (g fixedGenerator) Generate() (string, string, error) { return "1 + 1 = ?", g.answer, nil }

func TestVerifyAcceptsCorrectAnswerOnce(t *testing.T) {
	b := New(fixedGenerator{answer: "7"}, time.Minute, false)
	ch, err := b.Generate()
	require.NoError(t, err)

	require.NoError(t, b.Verify(ch.ID, "7"))

	// Replay of the same id must fail even with the right answer.
	err = b.Verify(ch.ID, "7")
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.CaptchaInvalid, apiErr.Kind)
}

func TestVerifyRejectsWrongAnswer(t *testing.T) {
	b := New(fixedGenerator{answer: "7"}, time.Minute, false)
	ch, err := b.Generate()
	require.NoError(t, err)

	err = b.Verify(ch.ID, "8")
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.CaptchaInvalid, apiErr.Kind)
}

func TestVerifyRejectsExpired(t *testing.T) {
	b := New(fixedGenerator{answer: "7"}, -time.Second, false)
	ch, err := b.Generate()
	require.NoError(t, err)

	err = b.Verify(ch.ID, "7")
	require.Error(t, err)
}

func TestVerifyRejectsUnknownID(t *testing.T) {
	b := New(fixedGenerator{answer: "7"}, time.Minute, false)
	err := b.Verify("does-not-exist", "7")
	require.Error(t, err)
}

func TestBypassAlwaysSucceeds(t *testing.T) {
	b := New(fixedGenerator{answer: "7"}, time.Minute, true)
	require.NoError(t, b.Verify("anything", "wrong"))
}

func TestSweepRemovesOnlyExpired(t *testing.T) {
	b := New(fixedGenerator{answer: "7"}, time.Minute, false)
	live, err := b.Generate()
	require.NoError(t, err)

	b2 := New(fixedGenerator{answer: "7"}, -time.Second, false)
	expired, err := b2.Generate()
	require.NoError(t, err)
	// Merge expired's entry into b's table to exercise Sweep directly.
	b.mu.Lock()
	b.entries[expired.ID] = b2.entries[expired.ID]
	b.mu.Unlock()

	n := b.Sweep()
	assert.Equal(t, 1, n)

	// The live entry must still verify correctly.
	require.NoError(t, b.Verify(live.ID, "7"))
}
