package mlflow

// Tag change events deliverable by the registry.
const (
	EntityModelVersionTag = "model_version_tag"
	ActionSet             = "set"
	ActionDeleted         = "deleted"
)

// TagEvents is the event set a push target subscribes to.
func TagEvents() []WebhookEvent {
	return []WebhookEvent{
		{Entity: EntityModelVersionTag, Action: ActionSet},
		{Entity: EntityModelVersionTag, Action: ActionDeleted},
	}
}

type ModelVersion struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	RunID   string `json:"run_id"`
	Source  string `json:"source"`
	Status  string `json:"status"`
	Tags    []Tag  `json:"tags"`
}

// Tag returns the value of the named tag and whether it is set.
func (mv ModelVersion) Tag(key string) (string, bool) {
	for _, t := range mv.Tags {
		if t.Key == key {
			return t.Value, true
		}
	}
	return "", false
}

type Tag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type Run struct {
	Info RunInfo `json:"info"`
}

type RunInfo struct {
	RunID        string `json:"run_id"`
	ExperimentID string `json:"experiment_id"`
	ArtifactURI  string `json:"artifact_uri"`
	Status       string `json:"status"`
}

type RegisteredModel struct {
	Name string `json:"name"`
}

// TaggedVersion is one entry of the poll listing: a model version carrying
// the watched tag, with enough metadata to resolve its desired state.
type TaggedVersion struct {
	Name     string
	Version  string
	TagValue string
	RunID    string
	Source   string
}

type Webhook struct {
	ID          string         `json:"webhook_id"`
	Name        string         `json:"name"`
	URL         string         `json:"url"`
	Events      []WebhookEvent `json:"events"`
	Description string         `json:"description"`
	Status      string         `json:"status"`
}

type WebhookEvent struct {
	Entity string `json:"entity"`
	Action string `json:"action"`
}

type getModelVersionResponse struct {
	ModelVersion ModelVersion `json:"model_version"`
}

type getRunResponse struct {
	Run Run `json:"run"`
}

type searchRegisteredModelsResponse struct {
	RegisteredModels []RegisteredModel `json:"registered_models"`
	NextPageToken    string            `json:"next_page_token"`
}

type searchModelVersionsResponse struct {
	ModelVersions []ModelVersion `json:"model_versions"`
	NextPageToken string         `json:"next_page_token"`
}

type listWebhooksResponse struct {
	Webhooks      []Webhook `json:"webhooks"`
	NextPageToken string    `json:"next_page_token"`
}

type createWebhookRequest struct {
	Name        string         `json:"name"`
	URL         string         `json:"url"`
	Events      []WebhookEvent `json:"events"`
	Secret      string         `json:"secret,omitempty"`
	Description string         `json:"description,omitempty"`
}

type createWebhookResponse struct {
	Webhook Webhook `json:"webhook"`
}
