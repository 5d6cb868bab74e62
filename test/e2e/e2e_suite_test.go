// Package e2e drives a deployed tagserve instance end to end: it talks to
// a real MLflow tracking server and a real cluster, tags model versions,
// and watches the serving resources appear and disappear.
//
// The suite only runs when TAGSERVE_E2E_MLFLOW_URL is set. It assumes
// tagserve is already running against that registry with the default
// serving configuration (kserve InferenceServices, "tagserve" name prefix).
package e2e

import (
	"os"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestE2E(t *testing.T) {
	if os.Getenv("TAGSERVE_E2E_MLFLOW_URL") == "" {
		t.Skip("TAGSERVE_E2E_MLFLOW_URL not set, skipping e2e suite")
	}
	RegisterFailHandler(Fail)
	RunSpecs(t, "tagserve e2e suite")
}
