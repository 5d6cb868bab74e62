package integration

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"

	"github.com/tagserve/tagserve/internal/mlflow"
)

// fakeRegistry is an in-memory MLflow tracking server covering the slice of
// the REST API the system talks to: model version and run lookups, the
// registry-wide searches behind tag listing, and webhook management.
type fakeRegistry struct {
	mtx sync.Mutex

	modelOrder []string
	versions   map[string][]mlflow.ModelVersion
	runs       map[string]mlflow.RunInfo
	webhooks   []registeredWebhook
	nextID     int

	// brokenVersionGets makes model-versions/get fail with a 500 for the
	// named models, simulating a partial registry outage.
	brokenVersionGets map[string]bool

	server *httptest.Server
}

type registeredWebhook struct {
	mlflow.Webhook
	Secret string
}

func newFakeRegistry() *fakeRegistry {
	r := &fakeRegistry{
		versions:          map[string][]mlflow.ModelVersion{},
		runs:              map[string]mlflow.RunInfo{},
		brokenVersionGets: map[string]bool{},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/2.0/mlflow/model-versions/get", r.handleGetVersion)
	mux.HandleFunc("/api/2.0/mlflow/runs/get", r.handleGetRun)
	mux.HandleFunc("/api/2.0/mlflow/registered-models/search", r.handleSearchModels)
	mux.HandleFunc("/api/2.0/mlflow/model-versions/search", r.handleSearchVersions)
	mux.HandleFunc("/api/2.0/mlflow/webhooks/list", r.handleListWebhooks)
	mux.HandleFunc("/api/2.0/mlflow/webhooks/create", r.handleCreateWebhook)
	mux.HandleFunc("/api/2.0/mlflow/webhooks/delete", r.handleDeleteWebhook)
	r.server = httptest.NewServer(mux)
	return r
}

func (r *fakeRegistry) URL() string { return r.server.URL }

func (r *fakeRegistry) Close() { r.server.Close() }

func (r *fakeRegistry) setVersion(mv mlflow.ModelVersion) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	versions := r.versions[mv.Name]
	for i := range versions {
		if versions[i].Version == mv.Version {
			versions[i] = mv
			return
		}
	}
	if len(versions) == 0 {
		r.modelOrder = append(r.modelOrder, mv.Name)
	}
	r.versions[mv.Name] = append(versions, mv)
}

func (r *fakeRegistry) setTag(model, version, key, value string) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	for i, mv := range r.versions[model] {
		if mv.Version != version {
			continue
		}
		for j, tag := range mv.Tags {
			if tag.Key == key {
				r.versions[model][i].Tags[j].Value = value
				return
			}
		}
		r.versions[model][i].Tags = append(mv.Tags, mlflow.Tag{Key: key, Value: value})
		return
	}
}

func (r *fakeRegistry) deleteTag(model, version, key string) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	for i, mv := range r.versions[model] {
		if mv.Version != version {
			continue
		}
		var kept []mlflow.Tag
		for _, tag := range mv.Tags {
			if tag.Key != key {
				kept = append(kept, tag)
			}
		}
		r.versions[model][i].Tags = kept
		return
	}
}

func (r *fakeRegistry) setRun(id string, info mlflow.RunInfo) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.runs[id] = info
}

func (r *fakeRegistry) breakVersionGets(model string, broken bool) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.brokenVersionGets[model] = broken
}

func (r *fakeRegistry) seedWebhook(name, url, secret string) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.nextID++
	r.webhooks = append(r.webhooks, registeredWebhook{
		Webhook: mlflow.Webhook{
			ID:     "wh-" + strconv.Itoa(r.nextID),
			Name:   name,
			URL:    url,
			Events: mlflow.TagEvents(),
			Status: "ACTIVE",
		},
		Secret: secret,
	})
}

func (r *fakeRegistry) webhooksForURL(url string) []registeredWebhook {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	var out []registeredWebhook
	for _, wh := range r.webhooks {
		if wh.URL == url {
			out = append(out, wh)
		}
	}
	return out
}

func (r *fakeRegistry) handleGetVersion(w http.ResponseWriter, req *http.Request) {
	name := req.URL.Query().Get("name")
	version := req.URL.Query().Get("version")

	r.mtx.Lock()
	defer r.mtx.Unlock()
	if r.brokenVersionGets[name] {
		http.Error(w, "registry exploded", http.StatusInternalServerError)
		return
	}
	for _, mv := range r.versions[name] {
		if mv.Version == version {
			writeBody(w, map[string]interface{}{"model_version": mv})
			return
		}
	}
	http.Error(w, fmt.Sprintf("model version %s/%s not found", name, version), http.StatusNotFound)
}

func (r *fakeRegistry) handleGetRun(w http.ResponseWriter, req *http.Request) {
	id := req.URL.Query().Get("run_id")

	r.mtx.Lock()
	defer r.mtx.Unlock()
	info, ok := r.runs[id]
	if !ok {
		http.Error(w, fmt.Sprintf("run %s not found", id), http.StatusNotFound)
		return
	}
	writeBody(w, map[string]interface{}{"run": mlflow.Run{Info: info}})
}

func (r *fakeRegistry) handleSearchModels(w http.ResponseWriter, req *http.Request) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	models := []mlflow.RegisteredModel{}
	for _, name := range r.modelOrder {
		models = append(models, mlflow.RegisteredModel{Name: name})
	}
	writeBody(w, map[string]interface{}{"registered_models": models})
}

func (r *fakeRegistry) handleSearchVersions(w http.ResponseWriter, req *http.Request) {
	filter := req.URL.Query().Get("filter")

	r.mtx.Lock()
	defer r.mtx.Unlock()
	versions := []mlflow.ModelVersion{}
	for _, name := range r.modelOrder {
		if filter == fmt.Sprintf("name='%s'", name) {
			versions = append(versions, r.versions[name]...)
		}
	}
	writeBody(w, map[string]interface{}{"model_versions": versions})
}

func (r *fakeRegistry) handleListWebhooks(w http.ResponseWriter, req *http.Request) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	hooks := []mlflow.Webhook{}
	for _, wh := range r.webhooks {
		hooks = append(hooks, wh.Webhook)
	}
	writeBody(w, map[string]interface{}{"webhooks": hooks})
}

func (r *fakeRegistry) handleCreateWebhook(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Name        string                `json:"name"`
		URL         string                `json:"url"`
		Events      []mlflow.WebhookEvent `json:"events"`
		Secret      string                `json:"secret"`
		Description string                `json:"description"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.nextID++
	wh := registeredWebhook{
		Webhook: mlflow.Webhook{
			ID:          "wh-" + strconv.Itoa(r.nextID),
			Name:        body.Name,
			URL:         body.URL,
			Events:      body.Events,
			Description: body.Description,
			Status:      "ACTIVE",
		},
		Secret: body.Secret,
	}
	r.webhooks = append(r.webhooks, wh)
	writeBody(w, map[string]interface{}{"webhook": wh.Webhook})
}

func (r *fakeRegistry) handleDeleteWebhook(w http.ResponseWriter, req *http.Request) {
	var body struct {
		ID string `json:"webhook_id"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	r.mtx.Lock()
	defer r.mtx.Unlock()
	for i, wh := range r.webhooks {
		if wh.ID == body.ID {
			r.webhooks = append(r.webhooks[:i], r.webhooks[i+1:]...)
			w.WriteHeader(http.StatusOK)
			return
		}
	}
	http.Error(w, "webhook not found", http.StatusNotFound)
}

func writeBody(w http.ResponseWriter, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		panic(err)
	}
}
