package reconciler

import (
	"context"
	"fmt"

	"github.com/tagserve/tagserve/internal/config"
	"github.com/tagserve/tagserve/internal/manifest"
	"github.com/tagserve/tagserve/internal/mlflow"
)

// DeployTagKey is the registry tag whose value controls whether a model
// version is served.
const DeployTagKey = "deploy"

// TagValueServe is the only tag value that means "serve this version".
// The comparison is case sensitive: "True" and "TRUE" resolve to absent.
const TagValueServe = "true"

// Identity names one model version in the registry.
type Identity struct {
	Model   string
	Version string
}

func (id Identity) String() string {
	return id.Model + "/" + id.Version
}

// DesiredState is the resolved cluster-side fate of one model version. The
// storage and run fields are only populated when Exists is true.
type DesiredState struct {
	Identity     Identity
	ResourceName string

	Exists       bool
	StorageURI   string
	RunID        string
	ExperimentID string
}

// RegistryReader is the slice of the registry API resolution needs.
type RegistryReader interface {
	GetModelVersion(ctx context.Context, name, version string) (mlflow.ModelVersion, error)
	GetRun(ctx context.Context, runID string) (mlflow.Run, error)
}

type Resolver struct {
	registry      RegistryReader
	artifactsBase string
	namePrefix    string
}

func NewResolver(registry RegistryReader, tracking config.Tracking, serving config.Serving) *Resolver {
	return &Resolver{
		registry:      registry,
		artifactsBase: tracking.ArtifactsURI,
		namePrefix:    serving.NamePrefix,
	}
}

// Resolve computes the desired state for a model version given its current
// deploy tag value. Registry metadata is fetched only when the resource
// should exist, and a fetch failure aborts resolution entirely so callers
// never act on a half-known state.
func (r *Resolver) Resolve(ctx context.Context, id Identity, tagValue string) (DesiredState, error) {
	name, err := manifest.ResourceName(r.namePrefix, id.Model, id.Version)
	if err != nil {
		return DesiredState{}, err
	}
	ds := DesiredState{Identity: id, ResourceName: name}
	if tagValue != TagValueServe {
		return ds, nil
	}

	mv, err := r.registry.GetModelVersion(ctx, id.Model, id.Version)
	if err != nil {
		return DesiredState{}, fmt.Errorf("resolving %s: %w", id, err)
	}
	ds.Exists = true
	ds.RunID = mv.RunID

	storage := mlflow.ResolveArtifactsURI(r.artifactsBase, mv.Source)
	if mv.RunID != "" {
		run, err := r.registry.GetRun(ctx, mv.RunID)
		if err != nil {
			return DesiredState{}, fmt.Errorf("resolving %s: %w", id, err)
		}
		ds.ExperimentID = run.Info.ExperimentID
		if unresolvable(storage) && !unresolvable(run.Info.ArtifactURI) {
			storage = run.Info.ArtifactURI
		}
	}
	if storage == "" {
		return DesiredState{}, fmt.Errorf("model version %s has no artifact source", id)
	}
	ds.StorageURI = storage
	return ds, nil
}

// unresolvable reports whether the URI cannot be handed to the serving
// runtime as-is.
func unresolvable(uri string) bool {
	return uri == "" || mlflow.IsArtifactsURI(uri)
}
