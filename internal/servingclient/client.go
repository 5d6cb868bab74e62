// Package servingclient applies desired serving resources to the cluster.
// All operations are convergent: they describe an end state, not an edit,
// so replaying them is always safe.
package servingclient

import (
	"context"
	"fmt"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/wait"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/tagserve/tagserve/internal/config"
	"github.com/tagserve/tagserve/internal/k8sutils"
	"github.com/tagserve/tagserve/internal/manifest"
)

// Outcome reports what an ensure operation actually did. OutcomeNoOp means
// the cluster was already in the requested state and nothing was written.
type Outcome string

const (
	OutcomeCreated Outcome = "created"
	OutcomeUpdated Outcome = "updated"
	OutcomeDeleted Outcome = "deleted"
	OutcomeNoOp    Outcome = "no-op"
)

type Client struct {
	client    client.Client
	namespace string
	gvk       schema.GroupVersionKind

	retryAttempts int
	retryBase     time.Duration
}

func NewClient(c client.Client, namespace string, serving config.Serving) *Client {
	return &Client{
		client:        c,
		namespace:     namespace,
		gvk:           serving.GroupVersionKind(),
		retryAttempts: serving.Retry.Attempts,
		retryBase:     serving.Retry.BaseDelay.Duration,
	}
}

// EnsurePresent converges the cluster on the desired object: it creates the
// object when missing, updates it when its spec or metadata drifted, and
// does nothing when the live object already matches.
func (c *Client) EnsurePresent(ctx context.Context, desired *unstructured.Unstructured) (Outcome, error) {
	var outcome Outcome
	err := c.withRetry(ctx, func(ctx context.Context) error {
		o, err := c.ensurePresentOnce(ctx, desired)
		outcome = o
		return err
	})
	if err != nil {
		return "", fmt.Errorf("ensuring %s %q present: %w", c.gvk.Kind, desired.GetName(), err)
	}
	return outcome, nil
}

func (c *Client) ensurePresentOnce(ctx context.Context, desired *unstructured.Unstructured) (Outcome, error) {
	current := c.newObject()
	err := c.client.Get(ctx, client.ObjectKeyFromObject(desired), current)
	if apierrors.IsNotFound(err) {
		createErr := c.client.Create(ctx, desired.DeepCopy(), k8sutils.DefaultCreateOptions())
		if createErr == nil {
			return OutcomeCreated, nil
		}
		if !apierrors.IsAlreadyExists(createErr) {
			return "", createErr
		}
		// Lost a create race. Update against the winner instead.
		if err := c.client.Get(ctx, client.ObjectKeyFromObject(desired), current); err != nil {
			return "", err
		}
		return c.updateFrom(ctx, current, desired)
	}
	if err != nil {
		return "", err
	}
	if matchesDesired(desired, current) {
		return OutcomeNoOp, nil
	}
	return c.updateFrom(ctx, current, desired)
}

// updateFrom writes the desired spec and metadata onto the live object.
// Server-populated metadata (resourceVersion, uid, status) is preserved so
// the write is a plain update rather than a replace.
func (c *Client) updateFrom(ctx context.Context, current, desired *unstructured.Unstructured) (Outcome, error) {
	updated := current.DeepCopy()
	spec, found, err := unstructured.NestedFieldCopy(desired.Object, "spec")
	if err != nil {
		return "", fmt.Errorf("reading desired spec: %w", err)
	}
	if found {
		if err := unstructured.SetNestedField(updated.Object, spec, "spec"); err != nil {
			return "", fmt.Errorf("setting spec: %w", err)
		}
	}
	for k, v := range desired.GetLabels() {
		k8sutils.SetLabel(updated, k, v)
	}
	for k, v := range desired.GetAnnotations() {
		k8sutils.SetAnnotation(updated, k, v)
	}
	if err := c.client.Update(ctx, updated, k8sutils.DefaultUpdateOptions()); err != nil {
		return "", err
	}
	return OutcomeUpdated, nil
}

// EnsureAbsent deletes the named object. A missing object is already the
// end state and reports OutcomeNoOp without error.
func (c *Client) EnsureAbsent(ctx context.Context, name string) (Outcome, error) {
	obj := c.newObject()
	obj.SetName(name)
	obj.SetNamespace(c.namespace)

	outcome := OutcomeDeleted
	err := c.withRetry(ctx, func(ctx context.Context) error {
		err := c.client.Delete(ctx, obj)
		if apierrors.IsNotFound(err) {
			outcome = OutcomeNoOp
			return nil
		}
		return err
	})
	if err != nil {
		return "", fmt.Errorf("ensuring %s %q absent: %w", c.gvk.Kind, name, err)
	}
	return outcome, nil
}

// Get returns the named object, or nil when it does not exist.
func (c *Client) Get(ctx context.Context, name string) (*unstructured.Unstructured, error) {
	obj := c.newObject()
	if err := c.client.Get(ctx, types.NamespacedName{Name: name, Namespace: c.namespace}, obj); err != nil {
		if apierrors.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting %s %q: %w", c.gvk.Kind, name, err)
	}
	return obj, nil
}

// ListManaged returns every serving resource in the namespace that carries
// the managed-by label, i.e. everything this process ever created.
func (c *Client) ListManaged(ctx context.Context) ([]unstructured.Unstructured, error) {
	list := &unstructured.UnstructuredList{}
	list.SetGroupVersionKind(schema.GroupVersionKind{
		Group:   c.gvk.Group,
		Version: c.gvk.Version,
		Kind:    c.gvk.Kind + "List",
	})
	err := c.client.List(ctx, list,
		client.InNamespace(c.namespace),
		client.MatchingLabels{manifest.ManagedByLabel: manifest.ManagedByValue},
	)
	if err != nil {
		return nil, fmt.Errorf("listing managed %s: %w", c.gvk.Kind, err)
	}
	return list.Items, nil
}

func (c *Client) newObject() *unstructured.Unstructured {
	obj := &unstructured.Unstructured{}
	obj.SetGroupVersionKind(c.gvk)
	return obj
}

// withRetry reruns op with exponential backoff while it fails in a way the
// API server may recover from. Permanent errors return immediately.
func (c *Client) withRetry(ctx context.Context, op func(ctx context.Context) error) error {
	var lastErr error
	backoff := wait.Backoff{
		Duration: c.retryBase,
		Factor:   2,
		Jitter:   0.1,
		Steps:    c.retryAttempts,
	}
	err := wait.ExponentialBackoffWithContext(ctx, backoff, func(ctx context.Context) (bool, error) {
		lastErr = op(ctx)
		if lastErr == nil {
			return true, nil
		}
		if retriable(lastErr) {
			return false, nil
		}
		return false, lastErr
	})
	if err != nil && lastErr != nil {
		return lastErr
	}
	return err
}

func retriable(err error) bool {
	return apierrors.IsInternalError(err) ||
		apierrors.IsServerTimeout(err) ||
		apierrors.IsServiceUnavailable(err) ||
		apierrors.IsTooManyRequests(err) ||
		apierrors.IsTimeout(err) ||
		apierrors.IsUnexpectedServerError(err)
}
