package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
)

// In-memory MLflow model registry for local development. Serves the REST
// surface tagserve reads plus set-tag/delete-tag so deployments can be
// toggled with curl:
//
//	go run ./hack/mockregistry &
//	curl -X POST localhost:5000/api/2.0/mlflow/model-versions/set-tag \
//	  -d '{"name":"iris","version":"1","key":"deploy","value":"true"}'

type tag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type version struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Source  string `json:"source"`
	RunID   string `json:"run_id,omitempty"`
	Tags    []tag  `json:"tags"`
}

type webhookEvent struct {
	Entity string `json:"entity"`
	Action string `json:"action"`
}

type webhook struct {
	ID     string         `json:"webhook_id"`
	Name   string         `json:"name"`
	URL    string         `json:"url"`
	Events []webhookEvent `json:"events"`
	Status string         `json:"status"`
}

type registry struct {
	mtx      sync.Mutex
	versions map[string][]*version
	webhooks []webhook
	nextID   int
}

func main() {
	addr := flag.String("addr", ":5000", "listen address")
	flag.Parse()

	reg := &registry{versions: map[string][]*version{}}
	reg.seed("iris", "1", "s3://mock-artifacts/iris/1")
	reg.seed("iris", "2", "s3://mock-artifacts/iris/2")
	reg.seed("wine", "1", "s3://mock-artifacts/wine/1")

	mux := http.NewServeMux()
	mux.HandleFunc("/api/2.0/mlflow/model-versions/get", reg.getVersion)
	mux.HandleFunc("/api/2.0/mlflow/model-versions/search", reg.searchVersions)
	mux.HandleFunc("/api/2.0/mlflow/model-versions/set-tag", reg.setTag)
	mux.HandleFunc("/api/2.0/mlflow/model-versions/delete-tag", reg.deleteTag)
	mux.HandleFunc("/api/2.0/mlflow/registered-models/search", reg.searchModels)
	mux.HandleFunc("/api/2.0/mlflow/runs/get", reg.getRun)
	mux.HandleFunc("/api/2.0/mlflow/webhooks/list", reg.listWebhooks)
	mux.HandleFunc("/api/2.0/mlflow/webhooks/create", reg.createWebhook)
	mux.HandleFunc("/api/2.0/mlflow/webhooks/delete", reg.deleteWebhook)

	log.Printf("mock registry listening on %s", *addr)
	log.Fatal(http.ListenAndServe(*addr, logged(mux)))
}

func logged(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("%s %s", r.Method, r.URL)
		next.ServeHTTP(w, r)
	})
}

func (reg *registry) seed(name, ver, source string) {
	reg.versions[name] = append(reg.versions[name], &version{
		Name: name, Version: ver, Source: source, Tags: []tag{},
	})
}

func (reg *registry) find(name, ver string) *version {
	for _, v := range reg.versions[name] {
		if v.Version == ver {
			return v
		}
	}
	return nil
}

func (reg *registry) getVersion(w http.ResponseWriter, r *http.Request) {
	reg.mtx.Lock()
	defer reg.mtx.Unlock()
	v := reg.find(r.URL.Query().Get("name"), r.URL.Query().Get("version"))
	if v == nil {
		http.Error(w, `{"error_code":"RESOURCE_DOES_NOT_EXIST"}`, http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]any{"model_version": v})
}

func (reg *registry) searchVersions(w http.ResponseWriter, r *http.Request) {
	reg.mtx.Lock()
	defer reg.mtx.Unlock()
	filter := r.URL.Query().Get("filter")
	name := strings.TrimSuffix(strings.TrimPrefix(filter, "name='"), "'")
	out := []*version{}
	out = append(out, reg.versions[name]...)
	writeJSON(w, map[string]any{"model_versions": out})
}

func (reg *registry) searchModels(w http.ResponseWriter, r *http.Request) {
	reg.mtx.Lock()
	defer reg.mtx.Unlock()
	models := []map[string]string{}
	for name := range reg.versions {
		models = append(models, map[string]string{"name": name})
	}
	writeJSON(w, map[string]any{"registered_models": models})
}

func (reg *registry) getRun(w http.ResponseWriter, r *http.Request) {
	http.Error(w, `{"error_code":"RESOURCE_DOES_NOT_EXIST"}`, http.StatusNotFound)
}

func (reg *registry) setTag(w http.ResponseWriter, r *http.Request) {
	var body struct{ Name, Version, Key, Value string }
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	reg.mtx.Lock()
	defer reg.mtx.Unlock()
	v := reg.find(body.Name, body.Version)
	if v == nil {
		http.Error(w, `{"error_code":"RESOURCE_DOES_NOT_EXIST"}`, http.StatusNotFound)
		return
	}
	for i := range v.Tags {
		if v.Tags[i].Key == body.Key {
			v.Tags[i].Value = body.Value
			writeJSON(w, map[string]any{})
			return
		}
	}
	v.Tags = append(v.Tags, tag{Key: body.Key, Value: body.Value})
	writeJSON(w, map[string]any{})
}

func (reg *registry) deleteTag(w http.ResponseWriter, r *http.Request) {
	var body struct{ Name, Version, Key string }
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	reg.mtx.Lock()
	defer reg.mtx.Unlock()
	v := reg.find(body.Name, body.Version)
	if v == nil {
		http.Error(w, `{"error_code":"RESOURCE_DOES_NOT_EXIST"}`, http.StatusNotFound)
		return
	}
	kept := v.Tags[:0]
	for _, t := range v.Tags {
		if t.Key != body.Key {
			kept = append(kept, t)
		}
	}
	v.Tags = kept
	writeJSON(w, map[string]any{})
}

func (reg *registry) listWebhooks(w http.ResponseWriter, r *http.Request) {
	reg.mtx.Lock()
	defer reg.mtx.Unlock()
	writeJSON(w, map[string]any{"webhooks": reg.webhooks})
}

func (reg *registry) createWebhook(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name   string         `json:"name"`
		URL    string         `json:"url"`
		Events []webhookEvent `json:"events"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	reg.mtx.Lock()
	defer reg.mtx.Unlock()
	reg.nextID++
	wh := webhook{
		ID:     fmt.Sprintf("wh-%d", reg.nextID),
		Name:   body.Name,
		URL:    body.URL,
		Events: body.Events,
		Status: "ACTIVE",
	}
	reg.webhooks = append(reg.webhooks, wh)
	writeJSON(w, map[string]any{"webhook": wh})
}

func (reg *registry) deleteWebhook(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID string `json:"webhook_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	reg.mtx.Lock()
	defer reg.mtx.Unlock()
	for i, wh := range reg.webhooks {
		if wh.ID == body.ID {
			reg.webhooks = append(reg.webhooks[:i], reg.webhooks[i+1:]...)
			writeJSON(w, map[string]any{})
			return
		}
	}
	http.Error(w, `{"error_code":"RESOURCE_DOES_NOT_EXIST"}`, http.StatusNotFound)
}

func writeJSON(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("encoding response: %v", err)
	}
}
