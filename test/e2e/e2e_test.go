package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/tagserve/tagserve/internal/manager"
	"github.com/tagserve/tagserve/internal/manifest"
)

const (
	timeout      = 2 * time.Minute
	settleWindow = 10 * time.Second
)

var (
	k8sClient  client.Client
	mlflowURL  string
	namespace  string
	namePrefix string

	modelName    string
	modelVersion string
	modelSource  string
	resourceName string
)

var servingGVK = schema.GroupVersionKind{
	Group:   "serving.kserve.io",
	Version: "v1beta1",
	Kind:    "InferenceService",
}

var _ = BeforeSuite(func(ctx SpecContext) {
	mlflowURL = os.Getenv("TAGSERVE_E2E_MLFLOW_URL")
	Expect(mlflowURL).NotTo(Equal(""), "TAGSERVE_E2E_MLFLOW_URL must be set")

	namespace = envOr("TAGSERVE_E2E_NAMESPACE", "default")
	namePrefix = envOr("TAGSERVE_E2E_NAME_PREFIX", "tagserve")

	// An absolute source URI keeps the fixture independent of any run or
	// artifact store in the target registry.
	modelSource = envOr("TAGSERVE_E2E_SOURCE", "s3://tagserve-e2e/models/sklearn")

	cfg, err := ctrl.GetConfig()
	Expect(err).NotTo(HaveOccurred(), "a kubeconfig pointing at the target cluster is required")
	k8sClient, err = client.New(cfg, client.Options{Scheme: manager.Scheme})
	Expect(err).NotTo(HaveOccurred())

	By("registering a throwaway model in the tracking server")
	modelName = fmt.Sprintf("tagserve-e2e-%d", time.Now().UnixNano())
	Expect(mlflowCall(ctx, http.MethodPost, "registered-models/create", map[string]any{
		"name": modelName,
	}, nil)).To(Succeed())

	var created struct {
		ModelVersion struct {
			Version string `json:"version"`
		} `json:"model_version"`
	}
	Expect(mlflowCall(ctx, http.MethodPost, "model-versions/create", map[string]any{
		"name":   modelName,
		"source": modelSource,
	}, &created)).To(Succeed())
	modelVersion = created.ModelVersion.Version
	Expect(modelVersion).NotTo(Equal(""))

	resourceName, err = manifest.ResourceName(namePrefix, modelName, modelVersion)
	Expect(err).NotTo(HaveOccurred())
})

var _ = AfterSuite(func(ctx SpecContext) {
	if modelName == "" {
		return
	}
	// Best-effort teardown so repeated runs do not pile up registry
	// entries or serving resources.
	_ = mlflowCall(ctx, http.MethodDelete, "model-versions/delete-tag", map[string]any{
		"name":    modelName,
		"version": modelVersion,
		"key":     "deploy",
	}, nil)
	_ = mlflowCall(ctx, http.MethodDelete, "registered-models/delete", map[string]any{
		"name": modelName,
	}, nil)
	if k8sClient != nil {
		obj := newServingObj(resourceName)
		_ = client.IgnoreNotFound(k8sClient.Delete(ctx, obj))
	}
})

var _ = Describe("deploy tag flow", Ordered, func() {
	It("leaves an untagged version unserved", func(ctx SpecContext) {
		Consistently(func() bool {
			return servingResourceExists(ctx)
		}, settleWindow, time.Second).Should(BeFalse(),
			"no serving resource may exist before the deploy tag is set")
	})

	It("serves the version once the deploy tag is set", func(ctx SpecContext) {
		By("tagging the version with deploy=true")
		Expect(setDeployTag(ctx, "true")).To(Succeed())

		By("waiting for the serving resource " + resourceName)
		obj := newServingObj(resourceName)
		Eventually(func() error {
			return k8sClient.Get(ctx, types.NamespacedName{Namespace: namespace, Name: resourceName}, obj)
		}, timeout, 2*time.Second).Should(Succeed())

		storageURI, _, err := unstructured.NestedString(obj.Object, "spec", "predictor", "model", "storageUri")
		Expect(err).NotTo(HaveOccurred())
		Expect(storageURI).To(Equal(modelSource))
		Expect(obj.GetLabels()).To(HaveKeyWithValue(manifest.ManagedByLabel, manifest.ManagedByValue))
		Expect(obj.GetLabels()).To(HaveKeyWithValue(manifest.ModelVersionLabel, modelVersion))
	})

	It("removes the serving resource when the tag is deleted", func(ctx SpecContext) {
		Expect(mlflowCall(ctx, http.MethodDelete, "model-versions/delete-tag", map[string]any{
			"name":    modelName,
			"version": modelVersion,
			"key":     "deploy",
		}, nil)).To(Succeed())

		Eventually(func() bool {
			return servingResourceExists(ctx)
		}, timeout, 2*time.Second).Should(BeFalse())
	})

	It("treats any value other than lowercase true as undeployed", func(ctx SpecContext) {
		Expect(setDeployTag(ctx, "True")).To(Succeed())

		Consistently(func() bool {
			return servingResourceExists(ctx)
		}, settleWindow, time.Second).Should(BeFalse())
	})
})

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newServingObj(name string) *unstructured.Unstructured {
	obj := &unstructured.Unstructured{}
	obj.SetGroupVersionKind(servingGVK)
	obj.SetNamespace(namespace)
	obj.SetName(name)
	return obj
}

func servingResourceExists(ctx SpecContext) bool {
	obj := newServingObj(resourceName)
	err := k8sClient.Get(ctx, types.NamespacedName{Namespace: namespace, Name: resourceName}, obj)
	if apierrors.IsNotFound(err) {
		return false
	}
	Expect(err).NotTo(HaveOccurred())
	return true
}

func setDeployTag(ctx SpecContext, value string) error {
	return mlflowCall(ctx, http.MethodPost, "model-versions/set-tag", map[string]any{
		"name":    modelName,
		"version": modelVersion,
		"key":     "deploy",
		"value":   value,
	}, nil)
}

// mlflowCall issues a request against the tracking server REST surface,
// decoding the response into out when it is non-nil.
func mlflowCall(ctx SpecContext, method, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	url := mlflowURL + "/api/2.0/mlflow/" + path
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
