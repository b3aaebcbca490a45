// Package captcha generates a simple arithmetic challenge and verifies a
// single-use answer against it, guarding Deploy from naive automation.
package captcha

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ctfrange/orchestrator/internal/apierr"
)

// Challenge is what Broker.Generate returns: an id to present back on
// Verify, and a human-readable prompt to render to the user.
type Challenge struct {
	ID     string
	Prompt string
}

// Generator produces a verifiable challenge: a prompt and its expected
// answer. Pluggable so a real image-based generator can replace the default
// arithmetic one without touching Broker.
type Generator interface {
	Generate() (prompt, answer string, err error)
}

// ArithmeticGenerator produces "a + b = ?" prompts, the default Generator.
type ArithmeticGenerator struct{}

func (ArithmeticGenerator) Generate() (string, string, error) {
	a, err := randInt(1, 10)
	if err != nil {
		return "", "", err
	}
	b, err := randInt(1, 10)
	if err != nil {
		return "", "", err
	}
	return fmt.Sprintf("%d + %d = ?", a, b), fmt.Sprintf("%d", a+b), nil
}

func randInt(min, max int) (int, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max-min+1)))
	if err != nil {
		return 0, fmt.Errorf("generating random int: %w", err)
	}
	return min + int(n.Int64()), nil
}

type entry struct {
	answer    string
	expiresAt time.Time
}

// Broker issues and verifies captcha challenges. Entries live only in
// process memory, guarded by a mutex: the table is explicitly ephemeral per
// spec.md §4.7, so there is no Store dependency here.
type Broker struct {
	mu        sync.Mutex
	entries   map[string]entry
	generator Generator
	ttl       time.Duration
	bypass    bool
}

// New creates a Broker. When bypass is true (BYPASS_CAPTCHA=true, test mode
// only), Verify always succeeds without consuming an entry.
func New(generator Generator, ttl time.Duration, bypass bool) *Broker {
	return &Broker{entries: make(map[string]entry), generator: generator, ttl: ttl, bypass: bypass}
}

// Generate issues a new challenge and stores its answer keyed by a fresh id.
func (b *Broker) Generate() (Challenge, error) {
	prompt, answer, err := b.generator.Generate()
	if err != nil {
		return Challenge{}, fmt.Errorf("generating captcha: %w", err)
	}

	id := uuid.NewString()
	b.mu.Lock()
	b.entries[id] = entry{answer: answer, expiresAt: time.Now().Add(b.ttl)}
	b.mu.Unlock()

	return Challenge{ID: id, Prompt: prompt}, nil
}

// Verify consumes id atomically: a correct answer before expiry returns nil
// and removes the entry; any other outcome (unknown id, wrong answer,
// expired) returns a CaptchaInvalid error and still removes the entry, so
// a given id can never be replayed.
func (b *Broker) Verify(id, answer string) error {
	if b.bypass {
		return nil
	}

	b.mu.Lock()
	e, ok := b.entries[id]
	delete(b.entries, id)
	b.mu.Unlock()

	if !ok {
		return apierr.New(apierr.CaptchaInvalid, "unknown or already-used captcha")
	}
	if time.Now().After(e.expiresAt) {
		return apierr.New(apierr.CaptchaInvalid, "captcha expired")
	}
	if e.answer != answer {
		return apierr.New(apierr.CaptchaInvalid, "incorrect captcha answer")
	}
	return nil
}

// Sweep removes expired-but-unverified entries, keeping the in-memory table
// from growing unboundedly if clients request captchas they never submit.
func (b *Broker) Sweep() int {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for id, e := range b.entries {
		if now.After(e.expiresAt) {
			delete(b.entries, id)
			n++
		}
	}
	return n
}
