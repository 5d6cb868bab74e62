// Package messenger consumes registry tag notifications from pub/sub
// streams. Some registry deployments publish webhook events to a broker
// instead of calling an HTTP endpoint; each configured stream is an
// alternative push channel feeding the same reconciler as the webhook.
package messenger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"gocloud.dev/pubsub"

	"github.com/tagserve/tagserve/internal/metrics"
	"github.com/tagserve/tagserve/internal/reconciler"
)

type Messenger struct {
	reconciler Reconciler

	MaxHandlers     int
	ErrorMaxBackoff time.Duration

	eventsURL string
	events    *pubsub.Subscription

	consecutiveErrorsMtx sync.RWMutex
	consecutiveErrors    int
}

type Reconciler interface {
	Handle(ctx context.Context, n reconciler.Notification) (reconciler.Result, error)
}

func NewMessenger(
	ctx context.Context,
	eventsURL string,
	maxHandlers int,
	errorMaxBackoff time.Duration,
	rec Reconciler,
) (*Messenger, error) {
	events, err := pubsub.OpenSubscription(ctx, eventsURL)
	if err != nil {
		return nil, fmt.Errorf("opening events subscription %q: %w", eventsURL, err)
	}

	return &Messenger{
		reconciler:      rec,
		eventsURL:       eventsURL,
		events:          events,
		MaxHandlers:     maxHandlers,
		ErrorMaxBackoff: errorMaxBackoff,
	}, nil
}

func (m *Messenger) Start(ctx context.Context) error {
	sem := make(chan struct{}, m.MaxHandlers)

	var restartAttempt int
	const maxRestartAttempts = 20
	const maxRestartBackoff = 10 * time.Second

	log.Printf("Messenger starting receive loop for events subscription %q", m.eventsURL)
recvLoop:
	for {
		msg, err := m.events.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}

			if restartAttempt > maxRestartAttempts {
				log.Printf("Error receiving message: %v. Restarted subscription %d times, giving up.",
					err, restartAttempt)
				return err
			}

			// If there is a non-recoverable error, recreate the
			// subscription and continue receiving messages.
			// This is important so existing handlers can continue.
			log.Printf("Error receiving message: %v", err)
			// Shutdown isn't strictly necessary, but it's good practice.
			shutdownErr := m.events.Shutdown(ctx)
			if shutdownErr != nil {
				log.Printf("Error shutting down events subscription: %v. Continuing to recreate subscription.",
					shutdownErr)
			}
			restartWait := min(time.Duration(restartAttempt)*time.Second, maxRestartBackoff)
			log.Printf("Waiting %v before recreating events subscription %v", restartWait, m.eventsURL)
			time.Sleep(restartWait)

			var subErr error
			m.events, subErr = pubsub.OpenSubscription(ctx, m.eventsURL)
			if subErr != nil {
				log.Printf("Error recreating events subscription %v: %v",
					m.eventsURL, subErr)
				return subErr
			}

			restartAttempt++
			continue
		} else {
			restartAttempt = 0
		}

		log.Println("Received message:", msg.LoggableID)

		// Wait if there are too many active handle goroutines and acquire the
		// semaphore. If the context is canceled, stop waiting and start shutting
		// down.
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			break recvLoop
		}

		go func() {
			defer func() { <-sem }()
			m.handleMessage(context.Background(), msg)
		}()

		// Slow down a bit when notifications keep failing so a bad stream
		// (a producer flooding malformed events, a registry outage) does
		// not burn through redeliveries faster than anyone can intervene.
		if consecutiveErrors := m.getConsecutiveErrors(); consecutiveErrors > 0 {
			wait := consecutiveErrBackoff(consecutiveErrors, m.ErrorMaxBackoff)
			log.Printf("after %d consecutive errors, waiting %v before processing next message", consecutiveErrors, wait)
			time.Sleep(wait)
		}
	}

	// We're no longer receiving messages. Wait to finish handling any
	// unacknowledged messages by totally acquiring the semaphore.
	for n := 0; n < m.MaxHandlers; n++ {
		sem <- struct{}{}
	}

	return nil
}

func (m *Messenger) Stop(ctx context.Context) error {
	return m.events.Shutdown(ctx)
}

func consecutiveErrBackoff(n int, max time.Duration) time.Duration {
	d := time.Duration(n) * time.Second
	if d > max {
		return max
	}
	return d
}

func (m *Messenger) handleMessage(ctx context.Context, msg *pubsub.Message) {
	// Expecting the same JSON document the webhook endpoint receives:
	/*
		{
			"entity": "model_version_tag",
			"action": "set",
			"data": {
				"name": "iris",
				"version": "3",
				"key": "deploy",
				"value": "true"
			}
		}
	*/
	metricAttrs := metric.WithAttributeSet(attribute.NewSet(
		metrics.AttrTrigger.String(metrics.AttrTriggerMessage),
	))
	metrics.NotificationsActive.Add(ctx, 1, metricAttrs)
	defer metrics.NotificationsActive.Add(ctx, -1, metricAttrs)

	deliveryID := msg.Metadata["delivery-id"]
	if deliveryID == "" {
		deliveryID = uuid.New().String()
	}

	var n reconciler.Notification
	if err := json.Unmarshal(msg.Body, &n); err != nil {
		log.Printf("Dropping malformed message %s (delivery %s): %v", msg.LoggableID, deliveryID, err)
		m.recordProcessed(ctx, metrics.AttrResultFailed)
		m.addConsecutiveError()
		// A malformed payload stays malformed on redelivery.
		msg.Ack()
		return
	}

	result, err := m.reconciler.Handle(ctx, n)
	if err != nil {
		log.Printf("Error handling notification %s: %v", deliveryID, err)
		metrics.ReconcileFailuresTotal.WithLabelValues(metrics.TriggerStream, reconciler.FailureReason(err)).Inc()
		m.recordProcessed(ctx, metrics.AttrResultFailed)
		m.addConsecutiveError()
		if transientFailure(err) && msg.Nackable() {
			msg.Nack()
			return
		}
		msg.Ack()
		return
	}

	if result.Ignored() {
		log.Printf("Ignoring notification %s: %s", deliveryID, result.IgnoreReason)
		m.recordProcessed(ctx, metrics.AttrResultIgnored)
	} else {
		log.Printf("Notification %s: %s %s", deliveryID, result.Outcome, result.ResourceName)
		metrics.ReconcileActionsTotal.WithLabelValues(metrics.TriggerStream, string(result.Outcome)).Inc()
		m.recordProcessed(ctx, metrics.AttrResultApplied)
	}
	m.resetConsecutiveErrors()
	msg.Ack()
}

// transientFailure reports whether a redelivery of the notification could
// succeed later. Permanent failures (bad identity, deleted versions, template
// errors) are acked so the broker does not loop on them; the polling cycle
// repairs whatever state they leave behind.
func transientFailure(err error) bool {
	switch reconciler.FailureReason(err) {
	case reconciler.ReasonRegistryUnavailable, reconciler.ReasonCluster:
		return true
	}
	return false
}

func (m *Messenger) recordProcessed(ctx context.Context, result string) {
	metrics.NotificationsProcessed.Add(ctx, 1, metric.WithAttributeSet(attribute.NewSet(
		metrics.AttrTrigger.String(metrics.AttrTriggerMessage),
		metrics.AttrResult.String(result),
	)))
}

func (m *Messenger) addConsecutiveError() {
	m.consecutiveErrorsMtx.Lock()
	defer m.consecutiveErrorsMtx.Unlock()
	m.consecutiveErrors++
}

func (m *Messenger) resetConsecutiveErrors() {
	m.consecutiveErrorsMtx.Lock()
	defer m.consecutiveErrorsMtx.Unlock()
	m.consecutiveErrors = 0
}

func (m *Messenger) getConsecutiveErrors() int {
	m.consecutiveErrorsMtx.RLock()
	defer m.consecutiveErrorsMtx.RUnlock()
	return m.consecutiveErrors
}
