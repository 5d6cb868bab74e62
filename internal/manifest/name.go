// Package manifest derives serving resource names and renders serving
// resource manifests from model version metadata.
package manifest

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// MaxNameLength is the Kubernetes object name limit.
const MaxNameLength = 253

const maxLabelValueLength = 63

// Labels applied to every managed serving resource. The poll diff and the
// listing endpoints select on ManagedByLabel and read model identity back
// from the others.
const (
	ManagedByLabel = "app.kubernetes.io/managed-by"
	ManagedByValue = "tagserve"

	ModelLabel        = "tagserve.org/model"
	ModelVersionLabel = "tagserve.org/model-version"
	RunIDLabel        = "tagserve.org/run-id"
)

// ErrInvalidIdentity reports model identity input that cannot produce a
// valid resource name.
var ErrInvalidIdentity = errors.New("invalid model identity")

var (
	invalidNameChars   = regexp.MustCompile(`[^a-z0-9-]`)
	repeatedSeparators = regexp.MustCompile(`-+`)
)

func sanitizeName(s string) string {
	s = strings.ToLower(s)
	s = invalidNameChars.ReplaceAllString(s, "-")
	s = repeatedSeparators.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

// ResourceName derives the serving resource name for a model version:
// "<prefix>-<model>-v<version>", lowercased with every character outside
// [a-z0-9-] replaced by "-". The result is deterministic for a given
// identity and never exceeds MaxNameLength. Truncation drops trailing
// characters of the model portion first, the version suffix is always
// preserved so that distinct versions of a long-named model stay distinct.
func ResourceName(prefix, modelName, version string) (string, error) {
	if modelName == "" || version == "" {
		return "", fmt.Errorf("%w: model name and version must be non-empty", ErrInvalidIdentity)
	}

	model := sanitizeName(modelName)
	ver := sanitizeName(version)
	if model == "" || ver == "" {
		return "", fmt.Errorf("%w: %q version %q sanitizes to an empty name", ErrInvalidIdentity, modelName, version)
	}

	head := model
	if p := sanitizeName(prefix); p != "" {
		head = p + "-" + model
	}
	suffix := "v" + ver

	name := head + "-" + suffix
	if len(name) > MaxNameLength {
		keep := MaxNameLength - len(suffix) - 1
		if keep < 1 {
			keep = 1
		}
		head = strings.TrimRight(head[:keep], "-")
		name = head + "-" + suffix
		if len(name) > MaxNameLength {
			name = strings.TrimRight(name[:MaxNameLength], "-")
		}
	}
	return name, nil
}

// TrackingLabels returns the ownership and identity labels stamped onto
// every managed serving resource.
func TrackingLabels(modelName, version, runID string) map[string]string {
	labels := map[string]string{
		ManagedByLabel:    ManagedByValue,
		ModelLabel:        sanitizeLabelValue(modelName),
		ModelVersionLabel: sanitizeLabelValue(version),
	}
	if runID != "" {
		labels[RunIDLabel] = sanitizeLabelValue(runID)
	}
	return labels
}

func sanitizeLabelValue(s string) string {
	s = sanitizeName(s)
	if len(s) > maxLabelValueLength {
		s = strings.TrimRight(s[:maxLabelValueLength], "-")
	}
	return s
}
