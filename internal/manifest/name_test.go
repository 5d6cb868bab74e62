package manifest_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tagserve/tagserve/internal/manifest"
)

func TestResourceName(t *testing.T) {
	cases := []struct {
		name      string
		prefix    string
		modelName string
		version   string
		expected  string
	}{
		{
			name:      "simple",
			prefix:    "tagserve",
			modelName: "iris",
			version:   "3",
			expected:  "tagserve-iris-v3",
		},
		{
			name:      "no-prefix",
			prefix:    "",
			modelName: "iris",
			version:   "3",
			expected:  "iris-v3",
		},
		{
			name:      "uppercase-and-underscores",
			prefix:    "tagserve",
			modelName: "Iris_Classifier",
			version:   "12",
			expected:  "tagserve-iris-classifier-v12",
		},
		{
			name:      "invalid-chars-collapse",
			prefix:    "tagserve",
			modelName: "my  model!!v2",
			version:   "1",
			expected:  "tagserve-my-model-v2-v1",
		},
		{
			name:      "leading-trailing-separators",
			prefix:    "tagserve",
			modelName: "--edge--",
			version:   "1",
			expected:  "tagserve-edge-v1",
		},
		{
			name:      "dotted-version",
			prefix:    "tagserve",
			modelName: "iris",
			version:   "1.2",
			expected:  "tagserve-iris-v1-2",
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := manifest.ResourceName(c.prefix, c.modelName, c.version)
			require.NoError(t, err)
			require.Equal(t, c.expected, got)

			again, err := manifest.ResourceName(c.prefix, c.modelName, c.version)
			require.NoError(t, err)
			require.Equal(t, got, again)
		})
	}
}

func TestResourceNameInvalidIdentity(t *testing.T) {
	cases := []struct {
		name      string
		modelName string
		version   string
	}{
		{name: "empty-model", modelName: "", version: "1"},
		{name: "empty-version", modelName: "iris", version: ""},
		{name: "both-empty", modelName: "", version: ""},
		{name: "unsanitizable-version", modelName: "iris", version: "___"},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := manifest.ResourceName("tagserve", c.modelName, c.version)
			require.ErrorIs(t, err, manifest.ErrInvalidIdentity)
		})
	}
}

func TestResourceNameTruncation(t *testing.T) {
	long := strings.Repeat("a", 400)

	got, err := manifest.ResourceName("tagserve", long, "12")
	require.NoError(t, err)
	require.LessOrEqual(t, len(got), manifest.MaxNameLength)
	require.True(t, strings.HasPrefix(got, "tagserve-aaa"))
	require.True(t, strings.HasSuffix(got, "-v12"), "version suffix must survive truncation, got %q", got)

	// Distinct versions of the same over-long model stay distinct.
	other, err := manifest.ResourceName("tagserve", long, "13")
	require.NoError(t, err)
	require.NotEqual(t, got, other)
}

func TestTrackingLabels(t *testing.T) {
	labels := manifest.TrackingLabels("Iris_Classifier", "3", "run-1")
	require.Equal(t, map[string]string{
		manifest.ManagedByLabel:    manifest.ManagedByValue,
		manifest.ModelLabel:        "iris-classifier",
		manifest.ModelVersionLabel: "3",
		manifest.RunIDLabel:        "run-1",
	}, labels)

	// No run-id label when the run is unknown.
	labels = manifest.TrackingLabels("iris", "3", "")
	require.NotContains(t, labels, manifest.RunIDLabel)

	// Values are clamped to the label value limit.
	labels = manifest.TrackingLabels(strings.Repeat("m", 100), "3", "")
	require.LessOrEqual(t, len(labels[manifest.ModelLabel]), 63)
}
