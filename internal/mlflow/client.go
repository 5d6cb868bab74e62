// Package mlflow is a client for the slice of the MLflow REST API that the
// reconciler needs: model version and run lookups, tag listings across the
// registry, and webhook management.
package mlflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const (
	apiPrefix = "/api/2.0/mlflow"

	// searchPageSize bounds a single search request. Listings paginate
	// until the registry stops returning a next page token.
	searchPageSize = "100"
)

var (
	// ErrUnavailable reports that the registry could not be reached or
	// answered with a server error. Callers must not mutate cluster state
	// based on a fetch that failed this way.
	ErrUnavailable = errors.New("registry unavailable")

	// ErrNotFound reports that the requested entity does not exist in the
	// registry.
	ErrNotFound = errors.New("not found in registry")
)

type Client struct {
	// BaseURL is the tracking server root, e.g. "http://mlflow:5000".
	BaseURL string

	HTTPClient *http.Client
}

func (c *Client) GetModelVersion(ctx context.Context, name, version string) (ModelVersion, error) {
	q := url.Values{}
	q.Set("name", name)
	q.Set("version", version)
	var resp getModelVersionResponse
	if err := c.do(ctx, http.MethodGet, "/model-versions/get", q, nil, &resp); err != nil {
		return ModelVersion{}, fmt.Errorf("getting model version %q/%q: %w", name, version, err)
	}
	return resp.ModelVersion, nil
}

func (c *Client) GetRun(ctx context.Context, runID string) (Run, error) {
	q := url.Values{}
	q.Set("run_id", runID)
	var resp getRunResponse
	if err := c.do(ctx, http.MethodGet, "/runs/get", q, nil, &resp); err != nil {
		return Run{}, fmt.Errorf("getting run %q: %w", runID, err)
	}
	return resp.Run, nil
}

// ListVersionsWithTag walks every registered model and returns all model
// versions that carry the given tag key, whatever its value.
func (c *Client) ListVersionsWithTag(ctx context.Context, key string) ([]TaggedVersion, error) {
	var out []TaggedVersion
	var pageToken string
	for {
		q := url.Values{}
		q.Set("max_results", searchPageSize)
		if pageToken != "" {
			q.Set("page_token", pageToken)
		}
		var resp searchRegisteredModelsResponse
		if err := c.do(ctx, http.MethodGet, "/registered-models/search", q, nil, &resp); err != nil {
			return nil, fmt.Errorf("searching registered models: %w", err)
		}
		for _, m := range resp.RegisteredModels {
			versions, err := c.searchModelVersions(ctx, m.Name)
			if err != nil {
				return nil, err
			}
			for _, v := range versions {
				value, ok := v.Tag(key)
				if !ok {
					continue
				}
				out = append(out, TaggedVersion{
					Name:     v.Name,
					Version:  v.Version,
					TagValue: value,
					RunID:    v.RunID,
					Source:   v.Source,
				})
			}
		}
		if resp.NextPageToken == "" {
			return out, nil
		}
		pageToken = resp.NextPageToken
	}
}

func (c *Client) searchModelVersions(ctx context.Context, modelName string) ([]ModelVersion, error) {
	var out []ModelVersion
	var pageToken string
	for {
		q := url.Values{}
		q.Set("filter", fmt.Sprintf("name='%s'", modelName))
		q.Set("max_results", searchPageSize)
		if pageToken != "" {
			q.Set("page_token", pageToken)
		}
		var resp searchModelVersionsResponse
		if err := c.do(ctx, http.MethodGet, "/model-versions/search", q, nil, &resp); err != nil {
			return nil, fmt.Errorf("searching versions of model %q: %w", modelName, err)
		}
		out = append(out, resp.ModelVersions...)
		if resp.NextPageToken == "" {
			return out, nil
		}
		pageToken = resp.NextPageToken
	}
}

func (c *Client) ListWebhooks(ctx context.Context) ([]Webhook, error) {
	var out []Webhook
	var pageToken string
	for {
		q := url.Values{}
		if pageToken != "" {
			q.Set("page_token", pageToken)
		}
		var resp listWebhooksResponse
		if err := c.do(ctx, http.MethodGet, "/webhooks/list", q, nil, &resp); err != nil {
			return nil, fmt.Errorf("listing webhooks: %w", err)
		}
		out = append(out, resp.Webhooks...)
		if resp.NextPageToken == "" {
			return out, nil
		}
		pageToken = resp.NextPageToken
	}
}

// GetWebhookByURL returns the first registered webhook targeting the given
// URL, or nil when none does.
func (c *Client) GetWebhookByURL(ctx context.Context, targetURL string) (*Webhook, error) {
	hooks, err := c.ListWebhooks(ctx)
	if err != nil {
		return nil, err
	}
	for i := range hooks {
		if hooks[i].URL == targetURL {
			return &hooks[i], nil
		}
	}
	return nil, nil
}

func (c *Client) CreateWebhook(ctx context.Context, name, targetURL, secret, description string, events []WebhookEvent) (Webhook, error) {
	req := createWebhookRequest{
		Name:        name,
		URL:         targetURL,
		Events:      events,
		Secret:      secret,
		Description: description,
	}
	var resp createWebhookResponse
	if err := c.do(ctx, http.MethodPost, "/webhooks/create", nil, req, &resp); err != nil {
		return Webhook{}, fmt.Errorf("creating webhook %q: %w", name, err)
	}
	return resp.Webhook, nil
}

func (c *Client) DeleteWebhook(ctx context.Context, id string) error {
	req := struct {
		ID string `json:"webhook_id"`
	}{ID: id}
	if err := c.do(ctx, http.MethodDelete, "/webhooks/delete", nil, req, nil); err != nil {
		return fmt.Errorf("deleting webhook %q: %w", id, err)
	}
	return nil
}

// DeleteWebhookByURL removes every registered webhook targeting the given
// URL and reports whether any was deleted.
func (c *Client) DeleteWebhookByURL(ctx context.Context, targetURL string) (bool, error) {
	hooks, err := c.ListWebhooks(ctx)
	if err != nil {
		return false, err
	}
	deleted := false
	for _, h := range hooks {
		if h.URL != targetURL {
			continue
		}
		if err := c.DeleteWebhook(ctx, h.ID); err != nil {
			return deleted, err
		}
		deleted = true
	}
	return deleted, nil
}

// EnsureWebhookRegistered registers a webhook for the given URL unless one
// already exists. It reports whether a new webhook was created.
//
// Rotating the signing secret requires deleting the old registration first,
// which is the startup coordinator's job, not this method's.
func (c *Client) EnsureWebhookRegistered(ctx context.Context, name, targetURL, secret, description string, events []WebhookEvent) (bool, Webhook, error) {
	existing, err := c.GetWebhookByURL(ctx, targetURL)
	if err != nil {
		return false, Webhook{}, err
	}
	if existing != nil {
		return false, *existing, nil
	}
	created, err := c.CreateWebhook(ctx, name, targetURL, secret, description, events)
	if err != nil {
		return false, Webhook{}, err
	}
	return true, created, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, reqBody, respBody interface{}) error {
	var body io.Reader
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshalling request body as json: %w", err)
		}
		body = bytes.NewReader(b)
	}

	u := strings.TrimRight(c.BaseURL, "/") + apiPrefix + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if reqBody != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	httpResp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrUnavailable, method, path, err)
	}
	defer httpResp.Body.Close()

	switch {
	case httpResp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s %s", ErrNotFound, method, path)
	case httpResp.StatusCode >= 500:
		msg, _ := io.ReadAll(httpResp.Body)
		return fmt.Errorf("%w: %s %s: status %d: %s", ErrUnavailable, method, path, httpResp.StatusCode, string(msg))
	case httpResp.StatusCode > 299:
		msg, _ := io.ReadAll(httpResp.Body)
		return fmt.Errorf("unexpected status: %s %s: status %d: %s", method, path, httpResp.StatusCode, string(msg))
	}

	if respBody != nil {
		if err := json.NewDecoder(httpResp.Body).Decode(respBody); err != nil {
			return fmt.Errorf("decoding response body: %w", err)
		}
	}
	return nil
}

const artifactsScheme = "mlflow-artifacts:"

// IsArtifactsURI reports whether the URI is a registry-relative artifact
// reference rather than a directly fetchable storage location.
func IsArtifactsURI(uri string) bool {
	return strings.HasPrefix(uri, artifactsScheme)
}

// ResolveArtifactsURI rewrites a registry-relative artifact URI against the
// configured artifacts base. Non-relative URIs and an empty base pass
// through unchanged.
func ResolveArtifactsURI(base, source string) string {
	if !IsArtifactsURI(source) || base == "" {
		return source
	}
	path := strings.TrimPrefix(source, artifactsScheme)
	path = strings.TrimLeft(path, "/")
	return strings.TrimRight(base, "/") + "/" + path
}
