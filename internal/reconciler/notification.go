package reconciler

import (
	"github.com/tagserve/tagserve/internal/mlflow"
)

// Notification is the wire shape of a registry tag event, as delivered by
// the webhook endpoint or a message stream.
type Notification struct {
	Entity    string           `json:"entity"`
	Action    string           `json:"action"`
	Timestamp int64            `json:"timestamp,omitempty"`
	Data      NotificationData `json:"data"`
}

type NotificationData struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Key     string `json:"key"`
	Value   string `json:"value,omitempty"`

	// Some registry payloads carry these; they are informational only.
	// Resolution always re-reads the registry.
	RunID        string `json:"run_id,omitempty"`
	ExperimentID string `json:"experiment_id,omitempty"`
}

func (n Notification) identity() Identity {
	return Identity{Model: n.Data.Name, Version: n.Data.Version}
}

// screen returns a non-empty reason when the notification is not one this
// system acts on.
func screen(n Notification) string {
	if n.Entity != mlflow.EntityModelVersionTag {
		return "unsupported entity"
	}
	if n.Action != mlflow.ActionSet && n.Action != mlflow.ActionDeleted {
		return "unsupported action"
	}
	if n.Data.Key != DeployTagKey {
		return "unwatched tag key"
	}
	return ""
}
