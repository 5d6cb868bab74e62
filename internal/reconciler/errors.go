package reconciler

import (
	"errors"

	apierrors "k8s.io/apimachinery/pkg/api/errors"

	"github.com/tagserve/tagserve/internal/manifest"
	"github.com/tagserve/tagserve/internal/mlflow"
)

// Failure reasons label failure metrics and select HTTP status codes.
const (
	ReasonInvalidIdentity     = "invalid_identity"
	ReasonRegistryUnavailable = "registry_unavailable"
	ReasonRegistryNotFound    = "registry_not_found"
	ReasonCluster             = "cluster_api"
	ReasonTemplate            = "template"
	ReasonInternal            = "internal"
)

// FailureReason maps a reconcile error to a bounded reason label.
func FailureReason(err error) string {
	var statusErr *apierrors.StatusError
	switch {
	case errors.Is(err, manifest.ErrInvalidIdentity):
		return ReasonInvalidIdentity
	case errors.Is(err, mlflow.ErrUnavailable):
		return ReasonRegistryUnavailable
	case errors.Is(err, mlflow.ErrNotFound):
		return ReasonRegistryNotFound
	case errors.Is(err, manifest.ErrTemplate):
		return ReasonTemplate
	case errors.As(err, &statusErr):
		return ReasonCluster
	default:
		return ReasonInternal
	}
}
