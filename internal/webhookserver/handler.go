// Package webhookserver serves the push-notification endpoint and the
// operational HTTP surface (health, managed service listing).
package webhookserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/tagserve/tagserve/internal/metrics"
	"github.com/tagserve/tagserve/internal/mlflow"
	"github.com/tagserve/tagserve/internal/reconciler"
	"github.com/tagserve/tagserve/internal/startup"
)

// Reconciler drives one notification to a terminal state.
type Reconciler interface {
	Handle(ctx context.Context, n reconciler.Notification) (reconciler.Result, error)
}

// RegistryHealth is the slice of the registry client the health probe uses.
type RegistryHealth interface {
	ListWebhooks(ctx context.Context) ([]mlflow.Webhook, error)
}

// ServingLister enumerates the managed serving resources.
type ServingLister interface {
	ListManaged(ctx context.Context) ([]unstructured.Unstructured, error)
}

type Handler struct {
	reconciler Reconciler
	registry   RegistryHealth
	serving    ServingLister
	verifier   *Verifier

	mode        startup.Mode
	namespace   string
	trackingURL string

	mux *http.ServeMux
}

// NewHandler builds the HTTP surface. The webhook route is installed only
// when push delivery is active; health and listing routes are always served.
func NewHandler(rec Reconciler, registry RegistryHealth, serving ServingLister, verifier *Verifier, mode startup.Mode, namespace, trackingURL string) *Handler {
	h := &Handler{
		reconciler:  rec,
		registry:    registry,
		serving:     serving,
		verifier:    verifier,
		mode:        mode,
		namespace:   namespace,
		trackingURL: trackingURL,
		mux:         http.NewServeMux(),
	}

	if mode == startup.ModePush {
		h.mux.HandleFunc("/webhook", h.handleWebhook)
	}
	h.mux.HandleFunc("/healthz", h.handleHealth)
	h.mux.HandleFunc("/healthz/detailed", h.handleDetailedHealth)
	h.mux.HandleFunc("/services", h.handleServices)

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// reconcileResponse is the body returned for a verified notification.
type reconcileResponse struct {
	Status       string `json:"status"`
	Action       string `json:"action"`
	DeliveryID   string `json:"delivery_id,omitempty"`
	IgnoreReason string `json:"ignore_reason,omitempty"`
	ResourceName string `json:"resource_name,omitempty"`
	Namespace    string `json:"namespace,omitempty"`
}

func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		sendErrorResponse(w, http.StatusMethodNotAllowed, "method %s not allowed", r.Method)
		return
	}
	ctx := r.Context()

	activeAttrs := metric.WithAttributeSet(attribute.NewSet(
		metrics.AttrTrigger.String(metrics.AttrTriggerHTTP),
	))
	metrics.NotificationsActive.Add(ctx, 1, activeAttrs)
	defer metrics.NotificationsActive.Add(ctx, -1, activeAttrs)

	deliveryID := r.Header.Get(HeaderDeliveryID)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		recordProcessed(ctx, metrics.AttrResultFailed)
		sendErrorResponse(w, http.StatusBadRequest, "reading body: %v", err)
		return
	}

	if err := h.verifier.Verify(deliveryID, r.Header.Get(HeaderTimestamp), r.Header.Get(HeaderSignature), payload); err != nil {
		status := http.StatusUnauthorized
		if errors.Is(err, ErrMissingHeaders) {
			status = http.StatusBadRequest
		}
		recordProcessed(ctx, metrics.AttrResultFailed)
		sendErrorResponse(w, status, "%v", err)
		return
	}

	var n reconciler.Notification
	if err := json.Unmarshal(payload, &n); err != nil {
		recordProcessed(ctx, metrics.AttrResultFailed)
		sendErrorResponse(w, http.StatusBadRequest, "decoding notification: %v", err)
		return
	}

	result, err := h.reconciler.Handle(ctx, n)
	if err != nil {
		metrics.ReconcileFailuresTotal.WithLabelValues(metrics.TriggerPush, reconciler.FailureReason(err)).Inc()
		recordProcessed(ctx, metrics.AttrResultFailed)
		sendErrorResponse(w, statusForError(err), "handling notification %s: %v", deliveryID, err)
		return
	}

	resp := reconcileResponse{
		Status:     "success",
		DeliveryID: deliveryID,
	}
	if result.Ignored() {
		recordProcessed(ctx, metrics.AttrResultIgnored)
		resp.Action = "ignored"
		resp.IgnoreReason = result.IgnoreReason
	} else {
		metrics.ReconcileActionsTotal.WithLabelValues(metrics.TriggerPush, string(result.Outcome)).Inc()
		recordProcessed(ctx, metrics.AttrResultApplied)
		resp.Action = string(result.Outcome)
		resp.ResourceName = result.ResourceName
		resp.Namespace = h.namespace
	}
	writeJSON(w, http.StatusOK, resp)
}

func recordProcessed(ctx context.Context, result string) {
	metrics.NotificationsProcessed.Add(ctx, 1, metric.WithAttributeSet(attribute.NewSet(
		metrics.AttrTrigger.String(metrics.AttrTriggerHTTP),
		metrics.AttrResult.String(result),
	)))
}

// statusForError maps the reconcile error taxonomy onto response codes.
func statusForError(err error) int {
	switch reconciler.FailureReason(err) {
	case reconciler.ReasonInvalidIdentity:
		return http.StatusBadRequest
	case reconciler.ReasonRegistryUnavailable:
		return http.StatusBadGateway
	case reconciler.ReasonRegistryNotFound:
		return http.StatusNotFound
	case reconciler.ReasonCluster:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("error encoding response: %v", err)
	}
}

func sendErrorResponse(w http.ResponseWriter, status int, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	log.Printf("sending error response: %v: %v", status, msg)

	if status >= 500 {
		// Don't leak internal error messages to the client.
		msg = http.StatusText(status)
	}

	writeJSON(w, status, struct {
		Error string `json:"error"`
	}{
		Error: msg,
	})
}
