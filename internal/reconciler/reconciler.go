// Package reconciler turns registry tag state into serving resource state.
// The event reconciler handles one pushed notification at a time; the
// resolver computes desired state for both the push and the polling path.
package reconciler

import (
	"context"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/tagserve/tagserve/internal/manifest"
	"github.com/tagserve/tagserve/internal/mlflow"
	"github.com/tagserve/tagserve/internal/servingclient"
)

// Result is the terminal state of handling one notification.
type Result struct {
	// Outcome is what the actuator did. Empty when the notification was
	// ignored.
	Outcome servingclient.Outcome `json:"outcome,omitempty"`

	// IgnoreReason explains why the notification required no action.
	IgnoreReason string `json:"ignoreReason,omitempty"`

	ResourceName string `json:"resourceName,omitempty"`
}

func (r Result) Ignored() bool { return r.IgnoreReason != "" }

// Actuator is the slice of the serving client the reconciler drives.
type Actuator interface {
	EnsurePresent(ctx context.Context, desired *unstructured.Unstructured) (servingclient.Outcome, error)
	EnsureAbsent(ctx context.Context, name string) (servingclient.Outcome, error)
}

type EventReconciler struct {
	resolver  *Resolver
	renderer  *manifest.Renderer
	actuator  Actuator
	namespace string
}

func NewEventReconciler(resolver *Resolver, renderer *manifest.Renderer, actuator Actuator, namespace string) *EventReconciler {
	return &EventReconciler{
		resolver:  resolver,
		renderer:  renderer,
		actuator:  actuator,
		namespace: namespace,
	}
}

// Handle drives one notification to a terminal state: ignored, converged,
// or failed. It never mutates the cluster when the registry cannot be read.
func (r *EventReconciler) Handle(ctx context.Context, n Notification) (Result, error) {
	logger := log.FromContext(ctx)

	if reason := screen(n); reason != "" {
		logger.V(1).Info("Ignoring notification",
			"entity", n.Entity, "action", n.Action, "key", n.Data.Key, "reason", reason)
		return Result{IgnoreReason: reason}, nil
	}

	// A deleted tag and a non-"true" value both mean the resource must not
	// exist, and neither needs registry metadata.
	value := ""
	if n.Action == mlflow.ActionSet {
		value = n.Data.Value
	}
	ds, err := r.resolver.Resolve(ctx, n.identity(), value)
	if err != nil {
		return Result{}, err
	}

	result, err := r.Converge(ctx, ds)
	if err != nil {
		return result, err
	}
	logger.Info("Reconciled notification",
		"model", ds.Identity.Model, "version", ds.Identity.Version,
		"resource", result.ResourceName, "outcome", result.Outcome)
	return result, nil
}

// Converge applies an already-resolved desired state to the cluster.
func (r *EventReconciler) Converge(ctx context.Context, ds DesiredState) (Result, error) {
	if !ds.Exists {
		outcome, err := r.actuator.EnsureAbsent(ctx, ds.ResourceName)
		if err != nil {
			return Result{ResourceName: ds.ResourceName}, err
		}
		return Result{Outcome: outcome, ResourceName: ds.ResourceName}, nil
	}

	obj, err := r.renderer.Render(manifest.Vars{
		Name:         ds.ResourceName,
		Namespace:    r.namespace,
		ModelName:    ds.Identity.Model,
		ModelVersion: ds.Identity.Version,
		StorageURI:   ds.StorageURI,
		RunID:        ds.RunID,
		ExperimentID: ds.ExperimentID,
	})
	if err != nil {
		return Result{ResourceName: ds.ResourceName}, err
	}
	outcome, err := r.actuator.EnsurePresent(ctx, obj)
	if err != nil {
		return Result{ResourceName: ds.ResourceName}, err
	}
	return Result{Outcome: outcome, ResourceName: ds.ResourceName}, nil
}
