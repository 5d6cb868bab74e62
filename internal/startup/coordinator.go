// Package startup decides how registry changes reach the reconcilers for
// the lifetime of the process: pushed notifications, polling, or neither.
package startup

import (
	"context"
	"fmt"
	"sync"

	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/tagserve/tagserve/internal/config"
	"github.com/tagserve/tagserve/internal/mlflow"
)

var Log = ctrl.Log.WithName("startup")

// Mode is the delivery mode the process runs in. It is decided once at
// startup and never changes afterwards.
type Mode string

const (
	// ModePush serves the webhook route and any configured message streams.
	ModePush Mode = "push"

	// ModePoll runs the polling loop only. Entered when push is disabled
	// by configuration or when webhook registration failed and fallback is
	// enabled.
	ModePoll Mode = "poll"

	// ModeDisabled means no delivery path could be established. The process
	// stays up so operators can inspect it, health reports unhealthy.
	ModeDisabled Mode = "disabled"
)

// Registrar is the slice of the registry client used to establish push
// delivery.
type Registrar interface {
	DeleteWebhookByURL(ctx context.Context, url string) (bool, error)
	EnsureWebhookRegistered(ctx context.Context, name, targetURL, secret, description string, events []mlflow.WebhookEvent) (bool, mlflow.Webhook, error)
}

// Decision is the outcome of the delivery-mode state machine.
type Decision struct {
	Mode Mode

	// Attempts is how many registration attempts ran. Zero when push was
	// disabled by configuration.
	Attempts int

	// Err is the last registration error when Mode is not ModePush.
	Err error
}

// PollingActive reports whether the polling loop should run.
func (d Decision) PollingActive(supplementPush bool) bool {
	switch d.Mode {
	case ModePoll:
		return true
	case ModePush:
		return supplementPush
	default:
		return false
	}
}

type Coordinator struct {
	registrar Registrar
	webhook   config.Webhook
	secret    string
	fallback  bool

	once     sync.Once
	decision Decision
}

func NewCoordinator(registrar Registrar, webhook config.Webhook, polling config.Polling, secret string) *Coordinator {
	return &Coordinator{
		registrar: registrar,
		webhook:   webhook,
		secret:    secret,
		fallback:  polling.FallbackEnabled != nil && *polling.FallbackEnabled,
	}
}

// Determine runs the delivery-mode state machine. The first call decides,
// every later call returns that same decision without touching the registry.
func (c *Coordinator) Determine(ctx context.Context) Decision {
	c.once.Do(func() {
		c.decision = c.determine(ctx)
	})
	return c.decision
}

func (c *Coordinator) determine(ctx context.Context) Decision {
	if c.webhook.Disable {
		Log.Info("Push delivery disabled, polling only")
		return Decision{Mode: ModePoll}
	}

	attempts := *c.webhook.StartupRetries + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := c.register(ctx)
		if err == nil {
			Log.Info("Webhook registered, push delivery active",
				"url", c.webhook.ExternalURL, "attempt", attempt)
			return Decision{Mode: ModePush, Attempts: attempt}
		}
		lastErr = err
		Log.Error(err, "Webhook registration failed",
			"attempt", attempt, "attempts", attempts)
	}

	if c.fallback {
		Log.Info("Falling back to polling after failed webhook registration",
			"attempts", attempts)
		return Decision{Mode: ModePoll, Attempts: attempts, Err: lastErr}
	}
	Log.Info("No delivery path active, fallback disabled", "attempts", attempts)
	return Decision{Mode: ModeDisabled, Attempts: attempts, Err: lastErr}
}

// register performs one bounded registration attempt. Any existing webhook
// for the same URL is deleted first so that a rotated secret takes effect.
func (c *Coordinator) register(ctx context.Context) error {
	attemptCtx, cancel := context.WithTimeout(ctx, c.webhook.StartupTimeout.Duration)
	defer cancel()

	if _, err := c.registrar.DeleteWebhookByURL(attemptCtx, c.webhook.ExternalURL); err != nil {
		return fmt.Errorf("removing previous webhook registration: %w", err)
	}
	_, _, err := c.registrar.EnsureWebhookRegistered(attemptCtx,
		c.webhook.Name, c.webhook.ExternalURL, c.secret, c.webhook.Description,
		mlflow.TagEvents())
	if err != nil {
		return fmt.Errorf("registering webhook: %w", err)
	}
	return nil
}
