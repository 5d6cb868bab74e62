package manifest

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"text/template"

	"github.com/Masterminds/sprig/v3"
	"github.com/tagserve/tagserve/internal/config"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"sigs.k8s.io/yaml"
)

//go:embed inferenceservice.yaml.tpl
var defaultTemplate string

// ErrTemplate reports a manifest that could not be rendered or that
// rendered to something other than the configured resource kind.
var ErrTemplate = errors.New("manifest template error")

// Vars is the variable set a manifest template is rendered with.
// APIVersion and Kind are filled in from the configured serving kind.
type Vars struct {
	Name         string
	Namespace    string
	ModelName    string
	ModelVersion string
	StorageURI   string
	RunID        string
	ExperimentID string
	Predictor    config.Predictor

	APIVersion string
	Kind       string
}

// Renderer renders serving resource manifests. The template is parsed once
// at construction, rendering is goroutine-safe.
type Renderer struct {
	tmpl      *template.Template
	gvk       schema.GroupVersionKind
	predictor config.Predictor
}

func NewRenderer(serving config.Serving) (*Renderer, error) {
	text := defaultTemplate
	if serving.TemplatePath != "" {
		b, err := os.ReadFile(serving.TemplatePath)
		if err != nil {
			return nil, fmt.Errorf("reading manifest template: %w", err)
		}
		text = string(b)
	}

	tmpl, err := template.New("manifest").
		Funcs(sprig.FuncMap()).
		Option("missingkey=error").
		Parse(text)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing: %v", ErrTemplate, err)
	}

	return &Renderer{
		tmpl:      tmpl,
		gvk:       serving.GroupVersionKind(),
		predictor: serving.Predictor,
	}, nil
}

// Render executes the template and decodes the output into an unstructured
// object. The object is stamped with the resource name, namespace, and
// tracking labels regardless of what the template emitted, so the poll diff
// can always recover model identity from the cluster.
func (r *Renderer) Render(vars Vars) (*unstructured.Unstructured, error) {
	vars.APIVersion = r.gvk.GroupVersion().String()
	vars.Kind = r.gvk.Kind
	if vars.Predictor.Requests == nil && vars.Predictor.Limits == nil {
		vars.Predictor = r.predictor
	}

	var buf bytes.Buffer
	if err := r.tmpl.Execute(&buf, vars); err != nil {
		return nil, fmt.Errorf("%w: rendering %q: %v", ErrTemplate, vars.Name, err)
	}

	obj := map[string]interface{}{}
	if err := yaml.Unmarshal(buf.Bytes(), &obj); err != nil {
		return nil, fmt.Errorf("%w: %q rendered to invalid YAML: %v", ErrTemplate, vars.Name, err)
	}

	u := &unstructured.Unstructured{Object: obj}
	if gvk := u.GroupVersionKind(); gvk != r.gvk {
		return nil, fmt.Errorf("%w: rendered %s, want %s", ErrTemplate, gvk, r.gvk)
	}

	u.SetName(vars.Name)
	u.SetNamespace(vars.Namespace)
	labels := u.GetLabels()
	if labels == nil {
		labels = map[string]string{}
	}
	for k, v := range TrackingLabels(vars.ModelName, vars.ModelVersion, vars.RunID) {
		labels[k] = v
	}
	u.SetLabels(labels)

	return u, nil
}
