package reconciler

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/tagserve/tagserve/internal/config"
	"github.com/tagserve/tagserve/internal/manifest"
	"github.com/tagserve/tagserve/internal/mlflow"
	"github.com/tagserve/tagserve/internal/servingclient"
)

type fakeRegistry struct {
	mv      mlflow.ModelVersion
	mvErr   error
	mvCalls int

	run      mlflow.Run
	runErr   error
	runCalls int
}

func (f *fakeRegistry) GetModelVersion(ctx context.Context, name, version string) (mlflow.ModelVersion, error) {
	f.mvCalls++
	return f.mv, f.mvErr
}

func (f *fakeRegistry) GetRun(ctx context.Context, runID string) (mlflow.Run, error) {
	f.runCalls++
	return f.run, f.runErr
}

func (f *fakeRegistry) fetches() int {
	return f.mvCalls + f.runCalls
}

type fakeActuator struct {
	present     []string
	absent      []string
	lastDesired *unstructured.Unstructured
	err         error
}

func (f *fakeActuator) EnsurePresent(ctx context.Context, desired *unstructured.Unstructured) (servingclient.Outcome, error) {
	f.present = append(f.present, desired.GetName())
	f.lastDesired = desired
	return servingclient.OutcomeCreated, f.err
}

func (f *fakeActuator) EnsureAbsent(ctx context.Context, name string) (servingclient.Outcome, error) {
	f.absent = append(f.absent, name)
	return servingclient.OutcomeDeleted, f.err
}

func (f *fakeActuator) calls() int {
	return len(f.present) + len(f.absent)
}

func servingConfig() config.Serving {
	cfg := config.System{
		Namespace: "serving",
		Tracking:  config.Tracking{URL: "http://mlflow:5000"},
		Webhook:   config.Webhook{Disable: true},
	}
	if err := cfg.DefaultAndValidate(); err != nil {
		panic(err)
	}
	return cfg.Serving
}

func newTestReconciler(t *testing.T, registry *fakeRegistry, actuator *fakeActuator) *EventReconciler {
	t.Helper()
	serving := servingConfig()
	renderer, err := manifest.NewRenderer(serving)
	require.NoError(t, err)
	resolver := NewResolver(registry, config.Tracking{}, serving)
	return NewEventReconciler(resolver, renderer, actuator, "serving")
}

func setNotification(value string) Notification {
	return Notification{
		Entity: "model_version_tag",
		Action: "set",
		Data: NotificationData{
			Name:    "iris",
			Version: "3",
			Key:     "deploy",
			Value:   value,
		},
	}
}

func TestHandleSetTrueDeploys(t *testing.T) {
	registry := &fakeRegistry{
		mv: mlflow.ModelVersion{
			Name: "iris", Version: "3", RunID: "r1",
			Source: "mlflow-artifacts:/1/r1/artifacts/model",
		},
		run: mlflow.Run{Info: mlflow.RunInfo{
			RunID: "r1", ExperimentID: "1",
			ArtifactURI: "s3://bucket/r1/artifacts/model",
		}},
	}
	actuator := &fakeActuator{}
	r := newTestReconciler(t, registry, actuator)

	result, err := r.Handle(context.Background(), setNotification("true"))
	require.NoError(t, err)

	assert.Equal(t, servingclient.OutcomeCreated, result.Outcome)
	assert.Equal(t, "tagserve-iris-v3", result.ResourceName)
	require.Equal(t, []string{"tagserve-iris-v3"}, actuator.present)
	assert.Empty(t, actuator.absent)

	uri, _, err := unstructured.NestedString(actuator.lastDesired.Object,
		"spec", "predictor", "model", "storageUri")
	require.NoError(t, err)
	assert.Equal(t, "s3://bucket/r1/artifacts/model", uri)
	assert.Equal(t, "iris", actuator.lastDesired.GetLabels()[manifest.ModelLabel])
	assert.Equal(t, "serving", actuator.lastDesired.GetNamespace())
}

func TestHandleSetNonTrueValuesRemove(t *testing.T) {
	// Only the exact lowercase "true" deploys. Everything else, including
	// capitalized variants, converges on absence without a metadata fetch.
	for _, value := range []string{"false", "True", "TRUE", "yes", "1", ""} {
		t.Run(fmt.Sprintf("value=%q", value), func(t *testing.T) {
			registry := &fakeRegistry{}
			actuator := &fakeActuator{}
			r := newTestReconciler(t, registry, actuator)

			result, err := r.Handle(context.Background(), setNotification(value))
			require.NoError(t, err)

			assert.Equal(t, servingclient.OutcomeDeleted, result.Outcome)
			assert.Equal(t, []string{"tagserve-iris-v3"}, actuator.absent)
			assert.Empty(t, actuator.present)
			assert.Zero(t, registry.fetches())
		})
	}
}

func TestHandleDeletedRemovesWithoutFetch(t *testing.T) {
	registry := &fakeRegistry{}
	actuator := &fakeActuator{}
	r := newTestReconciler(t, registry, actuator)

	n := Notification{
		Entity: "model_version_tag",
		Action: "deleted",
		Data:   NotificationData{Name: "iris", Version: "3", Key: "deploy"},
	}
	result, err := r.Handle(context.Background(), n)
	require.NoError(t, err)

	assert.Equal(t, servingclient.OutcomeDeleted, result.Outcome)
	assert.Equal(t, []string{"tagserve-iris-v3"}, actuator.absent)
	assert.Zero(t, registry.fetches(), "deletion must not read the registry")
}

func TestHandleIgnores(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(n *Notification)
		reason string
	}{
		{
			name:   "unrelated tag key",
			mutate: func(n *Notification) { n.Data.Key = "owner" },
			reason: "unwatched tag key",
		},
		{
			name:   "unknown action",
			mutate: func(n *Notification) { n.Action = "created" },
			reason: "unsupported action",
		},
		{
			name:   "unknown entity",
			mutate: func(n *Notification) { n.Entity = "registered_model" },
			reason: "unsupported entity",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			registry := &fakeRegistry{}
			actuator := &fakeActuator{}
			r := newTestReconciler(t, registry, actuator)

			n := setNotification("true")
			c.mutate(&n)
			result, err := r.Handle(context.Background(), n)
			require.NoError(t, err)

			assert.True(t, result.Ignored())
			assert.Equal(t, c.reason, result.IgnoreReason)
			assert.Zero(t, actuator.calls(), "ignored notifications must not touch the cluster")
			assert.Zero(t, registry.fetches())
		})
	}
}

func TestHandleFailsClosedWhenRegistryDown(t *testing.T) {
	registry := &fakeRegistry{
		mvErr: fmt.Errorf("getting model version: %w", mlflow.ErrUnavailable),
	}
	actuator := &fakeActuator{}
	r := newTestReconciler(t, registry, actuator)

	_, err := r.Handle(context.Background(), setNotification("true"))
	require.Error(t, err)
	assert.ErrorIs(t, err, mlflow.ErrUnavailable)
	assert.Zero(t, actuator.calls(), "no mutation when the registry cannot be read")
}

func TestHandleInvalidIdentity(t *testing.T) {
	registry := &fakeRegistry{}
	actuator := &fakeActuator{}
	r := newTestReconciler(t, registry, actuator)

	n := setNotification("true")
	n.Data.Version = ""
	_, err := r.Handle(context.Background(), n)
	require.Error(t, err)
	assert.ErrorIs(t, err, manifest.ErrInvalidIdentity)
	assert.Zero(t, actuator.calls())
}

func TestHandleActuatorErrorSurfaces(t *testing.T) {
	registry := &fakeRegistry{
		mv:  mlflow.ModelVersion{Name: "iris", Version: "3", RunID: "r1", Source: "s3://bucket/model"},
		run: mlflow.Run{Info: mlflow.RunInfo{RunID: "r1", ExperimentID: "1", ArtifactURI: "s3://bucket"}},
	}
	actuator := &fakeActuator{err: errors.New("api server on fire")}
	r := newTestReconciler(t, registry, actuator)

	result, err := r.Handle(context.Background(), setNotification("true"))
	require.Error(t, err)
	assert.Equal(t, "tagserve-iris-v3", result.ResourceName)
}
