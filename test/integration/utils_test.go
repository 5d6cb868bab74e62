package integration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"

	"github.com/tagserve/tagserve/internal/mlflow"
)

func servingGVK() schema.GroupVersionKind {
	return schema.GroupVersionKind{
		Group:   "serving.kserve.io",
		Version: "v1beta1",
		Kind:    "InferenceService",
	}
}

func getService(name string) (*unstructured.Unstructured, error) {
	obj := &unstructured.Unstructured{}
	obj.SetGroupVersionKind(servingGVK())
	err := testK8sClient.Get(testCtx, types.NamespacedName{Name: name, Namespace: testNS}, obj)
	return obj, err
}

func requireServiceEventually(t *testing.T, name string, timeout time.Duration) *unstructured.Unstructured {
	t.Helper()
	var obj *unstructured.Unstructured
	require.EventuallyWithT(t, func(c *assert.CollectT) {
		o, err := getService(name)
		if assert.NoError(c, err) {
			obj = o
		}
	}, timeout, 50*time.Millisecond, "InferenceService %s should exist", name)
	return obj
}

func requireServiceGone(t *testing.T, name string, timeout time.Duration) {
	t.Helper()
	require.EventuallyWithT(t, func(c *assert.CollectT) {
		_, err := getService(name)
		assert.True(c, apierrors.IsNotFound(err), "expected not found, got: %v", err)
	}, timeout, 50*time.Millisecond, "InferenceService %s should be deleted", name)
}

func createService(t *testing.T, name string, labels map[string]string) {
	t.Helper()
	obj := &unstructured.Unstructured{Object: map[string]interface{}{
		"spec": map[string]interface{}{
			"predictor": map[string]interface{}{
				"model": map[string]interface{}{
					"storageUri": "s3://elsewhere/model",
				},
			},
		},
	}}
	obj.SetGroupVersionKind(servingGVK())
	obj.SetName(name)
	obj.SetNamespace(testNS)
	obj.SetLabels(labels)
	require.NoError(t, testK8sClient.Create(testCtx, obj))
}

func storageURI(t *testing.T, obj *unstructured.Unstructured) string {
	t.Helper()
	uri, _, err := unstructured.NestedString(obj.Object, "spec", "predictor", "model", "storageUri")
	require.NoError(t, err)
	return uri
}

// seedServedVersion registers a model version carrying deploy=true together
// with the run its artifacts hang off.
func seedServedVersion(model, version, runID, experimentID string) {
	testRegistry.setVersion(mlflow.ModelVersion{
		Name:    model,
		Version: version,
		RunID:   runID,
		Source:  "mlflow-artifacts:/" + experimentID + "/" + runID + "/artifacts/model",
		Status:  "READY",
		Tags:    []mlflow.Tag{{Key: "deploy", Value: "true"}},
	})
	testRegistry.setRun(runID, mlflow.RunInfo{
		RunID:        runID,
		ExperimentID: experimentID,
		ArtifactURI:  "mlflow-artifacts:/" + experimentID + "/" + runID + "/artifacts",
		Status:       "FINISHED",
	})
}
