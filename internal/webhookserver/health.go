package webhookserver

import (
	"net/http"
	"time"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/tagserve/tagserve/internal/manifest"
	"github.com/tagserve/tagserve/internal/startup"
)

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if h.mode == startup.ModeDisabled {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

type detailedHealth struct {
	Status            string                 `json:"status"`
	DeliveryMode      string                 `json:"delivery_mode"`
	RegistryConnected bool                   `json:"registry_connected"`
	ClusterConnected  bool                   `json:"cluster_connected"`
	Details           map[string]interface{} `json:"details"`
}

// handleDetailedHealth probes both dependencies with real list calls. It is
// heavier than the liveness route and not meant for kubelet probes.
func (h *Handler) handleDetailedHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	health := detailedHealth{
		Status:       "healthy",
		DeliveryMode: string(h.mode),
		Details:      map[string]interface{}{},
	}

	webhooks, err := h.registry.ListWebhooks(ctx)
	if err != nil {
		health.Details["registry_error"] = err.Error()
	} else {
		health.RegistryConnected = true
		health.Details["registry"] = map[string]interface{}{
			"tracking_url":  h.trackingURL,
			"webhook_count": len(webhooks),
		}
	}

	services, err := h.serving.ListManaged(ctx)
	if err != nil {
		health.Details["cluster_error"] = err.Error()
	} else {
		health.ClusterConnected = true
		health.Details["cluster"] = map[string]interface{}{
			"namespace":              h.namespace,
			"managed_services_count": len(services),
		}
	}

	status := http.StatusOK
	if !health.RegistryConnected || !health.ClusterConnected || h.mode == startup.ModeDisabled {
		health.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

type serviceInfo struct {
	Name              string `json:"name"`
	Namespace         string `json:"namespace"`
	ModelName         string `json:"model_name"`
	ModelVersion      string `json:"model_version"`
	RunID             string `json:"run_id,omitempty"`
	Status            string `json:"status"`
	URL               string `json:"url,omitempty"`
	CreationTimestamp string `json:"creation_timestamp,omitempty"`
}

type servicesResponse struct {
	Services  []serviceInfo `json:"services"`
	Total     int           `json:"total"`
	Namespace string        `json:"namespace"`
}

func (h *Handler) handleServices(w http.ResponseWriter, r *http.Request) {
	items, err := h.serving.ListManaged(r.Context())
	if err != nil {
		sendErrorResponse(w, http.StatusInternalServerError, "listing managed services: %v", err)
		return
	}

	services := make([]serviceInfo, 0, len(items))
	for _, item := range items {
		services = append(services, serviceInfoFrom(&item))
	}
	writeJSON(w, http.StatusOK, servicesResponse{
		Services:  services,
		Total:     len(services),
		Namespace: h.namespace,
	})
}

func serviceInfoFrom(obj *unstructured.Unstructured) serviceInfo {
	labels := obj.GetLabels()
	labelOr := func(key, fallback string) string {
		if v := labels[key]; v != "" {
			return v
		}
		return fallback
	}

	info := serviceInfo{
		Name:         obj.GetName(),
		Namespace:    obj.GetNamespace(),
		ModelName:    labelOr(manifest.ModelLabel, "unknown"),
		ModelVersion: labelOr(manifest.ModelVersionLabel, "unknown"),
		RunID:        labels[manifest.RunIDLabel],
		Status:       readyStatus(obj),
	}
	if url, _, _ := unstructured.NestedString(obj.Object, "status", "url"); url != "" {
		info.URL = url
	}
	if created := obj.GetCreationTimestamp(); !created.IsZero() {
		info.CreationTimestamp = created.UTC().Format(time.RFC3339)
	}
	return info
}

// readyStatus reduces the resource's Ready condition to a display string.
func readyStatus(obj *unstructured.Unstructured) string {
	conditions, found, err := unstructured.NestedSlice(obj.Object, "status", "conditions")
	if err != nil || !found {
		return "Unknown"
	}
	for _, c := range conditions {
		condition, ok := c.(map[string]interface{})
		if !ok || condition["type"] != "Ready" {
			continue
		}
		if condition["status"] == "True" {
			return "Ready"
		}
		return "Not Ready"
	}
	return "Unknown"
}
