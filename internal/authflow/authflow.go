// Package authflow drives the step-up authorization interaction for a batch
// of payment entries: generate one challenge, collect the user's response,
// verify, and hand the auth id to the caller. The rendering layer plugs in
// through ResponseCollector and only observes state transitions.
package authflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/alovak/payout-gate/gate/models"
)

// State of the controller. One controller drives at most one session
// end-to-end; Authorized and Rejected are terminal for that session.
type State int

const (
	Idle State = iota
	Generating
	AwaitingResponse
	Verifying
	Authorized
	Rejected
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Generating:
		return "generating"
	case AwaitingResponse:
		return "awaiting_response"
	case Verifying:
		return "verifying"
	case Authorized:
		return "authorized"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

var (
	// ErrDenied means the generator refused silently: no challenge exists
	// and no interaction was shown.
	ErrDenied = errors.New("authorization denied")
	// ErrCancelled means the user abandoned the interaction before a
	// successful verification.
	ErrCancelled = errors.New("authorization cancelled")
	// ErrBusy means a session is already in flight on this controller.
	ErrBusy = errors.New("authorization already in progress")
)

// Generator creates one challenge for a batch. A nil result with nil error
// is a silent refusal (caller lacks the payout-authorizer capability).
type Generator interface {
	GenerateOTP(ctx context.Context, entries []string) (*models.GenerationResult, error)
}

// Verifier checks one submitted response against the session.
type Verifier interface {
	VerifyAuthenticator(ctx context.Context, response, authID string) (models.Verification, error)
}

// Prompt tells the rendering layer what to ask for.
type Prompt struct {
	Title       string
	Label       string
	Description string
	// Masked requests password-style input with strength checks off;
	// this is a challenge, not account creation.
	Masked bool
	// SetupError marks the description as an error indication: the chosen
	// method is not configured and no response can succeed.
	SetupError bool
}

// ResponseCollector is the interaction surface. Collect blocks until the
// user submits a response (ok=true) or abandons the interaction (ok=false).
type ResponseCollector interface {
	Collect(p Prompt) (response string, ok bool)
	// FlashError shows an inline error bound to the response field.
	FlashError(message string)
	// RestorePrompt reverts the field back to the original prompt text.
	RestorePrompt()
	// Close dismisses the interaction surface. Must be idempotent.
	Close()
}

const (
	errorDisplayWindow = 3 * time.Second

	fallbackErrorMessage = "Invalid! Please try again."
	setupErrorMessage    = "There is some error! Please contact your Administrator."
)

// Controller is the authorization state machine.
type Controller struct {
	gen Generator
	ver Verifier

	mu           sync.Mutex
	state        State
	inFlight     bool
	errorWindow  time.Duration
	onTransition func(State)
}

func NewController(gen Generator, ver Verifier) *Controller {
	return &Controller{
		gen:         gen,
		ver:         ver,
		state:       Idle,
		errorWindow: errorDisplayWindow,
	}
}

// OnTransition registers an observer called on every state change.
func (c *Controller) OnTransition(fn func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTransition = fn
}

// SetErrorWindow overrides how long an inline verification error is shown
// before the prompt text is restored.
func (c *Controller) SetErrorWindow(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		c.errorWindow = d
	}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) to(s State) {
	c.mu.Lock()
	c.state = s
	fn := c.onTransition
	c.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// Authorize runs the full challenge/response flow for a batch and returns
// the verified auth id. The batch is never authorized on ErrDenied or
// ErrCancelled. The verification loop has no attempt cap here; the server
// enforces its own session policy.
func (c *Controller) Authorize(ctx context.Context, entries []string, collector ResponseCollector) (string, error) {
	c.mu.Lock()
	if c.inFlight {
		c.mu.Unlock()
		return "", ErrBusy
	}
	c.inFlight = true
	c.errorWindowLocked()
	window := c.errorWindow
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.inFlight = false
		c.mu.Unlock()
	}()

	c.to(Generating)
	gen, err := c.gen.GenerateOTP(ctx, entries)
	if err != nil {
		c.to(Rejected)
		return "", fmt.Errorf("generating challenge: %w", err)
	}
	if gen == nil {
		// No permission: abort without showing any interaction.
		c.to(Rejected)
		return "", ErrDenied
	}

	prompt := buildPrompt(gen)
	defer collector.Close()

	var revert *time.Timer
	defer func() {
		if revert != nil {
			revert.Stop()
		}
	}()

	for {
		c.to(AwaitingResponse)
		response, ok := collector.Collect(prompt)
		if !ok {
			c.to(Rejected)
			return "", ErrCancelled
		}

		c.to(Verifying)
		verdict, err := c.ver.VerifyAuthenticator(ctx, strings.TrimSpace(response), gen.AuthID)
		if err != nil {
			c.to(Rejected)
			return "", fmt.Errorf("verifying response: %w", err)
		}
		if verdict.Verified {
			c.to(Authorized)
			return gen.AuthID, nil
		}

		message := verdict.Message
		if message == "" {
			message = fallbackErrorMessage
		}
		collector.FlashError(message)
		if revert != nil {
			revert.Stop()
		}
		revert = time.AfterFunc(window, collector.RestorePrompt)
	}
}

func (c *Controller) errorWindowLocked() {
	if c.errorWindow <= 0 {
		c.errorWindow = errorDisplayWindow
	}
}

func buildPrompt(gen *models.GenerationResult) Prompt {
	p := Prompt{
		Title:       "Enter OTP",
		Label:       "OTP",
		Description: gen.Prompt,
	}
	if gen.Method == models.MethodPassword {
		p.Title = "Enter Password"
		p.Label = "Password"
		p.Masked = true
	}
	if !gen.Setup {
		p.Description = setupErrorMessage
		p.SetupError = true
	}
	return p
}
