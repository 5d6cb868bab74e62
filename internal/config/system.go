package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/utils/ptr"
)

type System struct {
	// Namespace that serving resources are managed in.
	Namespace string `json:"namespace"`

	Tracking Tracking `json:"tracking"`

	Webhook Webhook `json:"webhook"`

	Polling Polling `json:"polling"`

	Serving Serving `json:"serving"`

	Messaging Messaging `json:"messaging"`

	LeaderElection LeaderElection `json:"leaderElection"`

	// ListenAddr is the address the webhook and health endpoints bind to. Default is ":8000".
	ListenAddr string `json:"listenAddr"`

	// MetricsAddr is the address the metric endpoint binds to. Default is ":8080".
	MetricsAddr string `json:"metricsAddr"`
}

func (s *System) DefaultAndValidate() error {
	if s.ListenAddr == "" {
		s.ListenAddr = ":8000"
	}
	if s.MetricsAddr == "" {
		s.MetricsAddr = ":8080"
	}
	if s.Namespace == "" {
		return errors.New("namespace is required")
	}

	if s.Tracking.URL == "" {
		return errors.New("tracking.url is required")
	}
	if s.Tracking.RequestTimeout.Duration == 0 {
		s.Tracking.RequestTimeout = Duration{10 * time.Second}
	}

	if s.Webhook.Name == "" {
		s.Webhook.Name = "tagserve"
	}
	if s.Webhook.Description == "" {
		s.Webhook.Description = "Deploy registry models to the serving cluster based on tags"
	}
	if s.Webhook.StartupTimeout.Duration == 0 {
		s.Webhook.StartupTimeout = Duration{30 * time.Second}
	}
	if s.Webhook.StartupRetries == nil {
		s.Webhook.StartupRetries = ptr.To(2)
	}
	if s.Webhook.MaxTimestampAge.Duration == 0 {
		s.Webhook.MaxTimestampAge = Duration{5 * time.Minute}
	}
	if !s.Webhook.Disable && s.Webhook.ExternalURL == "" {
		return errors.New("webhook.externalURL is required unless webhook.disable is set")
	}

	if s.Polling.Interval.Duration == 0 {
		s.Polling.Interval = Duration{60 * time.Second}
	}
	if s.Polling.FallbackEnabled == nil {
		s.Polling.FallbackEnabled = ptr.To(true)
	}
	if s.Polling.Concurrency == 0 {
		s.Polling.Concurrency = 4
	}
	if s.Polling.CycleTimeout.Duration == 0 {
		s.Polling.CycleTimeout = Duration{5 * time.Minute}
	}
	if s.Polling.StateConfigMapName == "" {
		s.Polling.StateConfigMapName = "tagserve-poller-state"
	}

	if s.Serving.Group == "" {
		s.Serving.Group = "serving.kserve.io"
	}
	if s.Serving.Version == "" {
		s.Serving.Version = "v1beta1"
	}
	if s.Serving.Kind == "" {
		s.Serving.Kind = "InferenceService"
	}
	if s.Serving.Resource == "" {
		s.Serving.Resource = "inferenceservices"
	}
	if s.Serving.NamePrefix == "" {
		s.Serving.NamePrefix = "tagserve"
	}
	if s.Serving.Retry.Attempts == 0 {
		s.Serving.Retry.Attempts = 3
	}
	if s.Serving.Retry.BaseDelay.Duration == 0 {
		s.Serving.Retry.BaseDelay = Duration{200 * time.Millisecond}
	}
	if s.Serving.Predictor.Requests == nil {
		s.Serving.Predictor.Requests = corev1.ResourceList{
			corev1.ResourceCPU:    resource.MustParse("100m"),
			corev1.ResourceMemory: resource.MustParse("512Mi"),
		}
	}
	if s.Serving.Predictor.Limits == nil {
		s.Serving.Predictor.Limits = corev1.ResourceList{
			corev1.ResourceCPU:    resource.MustParse("1"),
			corev1.ResourceMemory: resource.MustParse("2Gi"),
		}
	}

	if s.Messaging.ErrorMaxBackoff.Duration == 0 {
		s.Messaging.ErrorMaxBackoff = Duration{30 * time.Second}
	}
	for i, stream := range s.Messaging.Streams {
		if stream.EventsURL == "" {
			return fmt.Errorf("messaging.streams[%d].eventsURL is required", i)
		}
		if stream.MaxHandlers == 0 {
			s.Messaging.Streams[i].MaxHandlers = 4
		}
	}

	if s.LeaderElection.Enabled == nil {
		s.LeaderElection.Enabled = ptr.To(true)
	}
	if s.LeaderElection.LeaseDuration.Duration == 0 {
		s.LeaderElection.LeaseDuration = Duration{15 * time.Second}
	}
	if s.LeaderElection.RenewDeadline.Duration == 0 {
		s.LeaderElection.RenewDeadline = Duration{10 * time.Second}
	}
	if s.LeaderElection.RetryPeriod.Duration == 0 {
		s.LeaderElection.RetryPeriod = Duration{2 * time.Second}
	}

	return nil
}

type Tracking struct {
	// URL of the model registry API, e.g. "http://mlflow.mlflow.svc:5000".
	URL string `json:"url"`

	// ArtifactsURI is the storage base that logical registry artifact URIs
	// ("mlflow-artifacts:/...") resolve against, e.g. "s3://bucket".
	ArtifactsURI string `json:"artifactsURI"`

	RequestTimeout Duration `json:"requestTimeout"`
}

type Webhook struct {
	// ExternalURL is the address the registry delivers push notifications to.
	ExternalURL string `json:"externalURL"`

	Name        string `json:"name"`
	Description string `json:"description"`

	// Disable skips push registration entirely and runs in polling-only mode.
	Disable bool `json:"disable"`

	// StartupTimeout bounds each registration attempt.
	StartupTimeout Duration `json:"startupTimeout"`

	// StartupRetries is the number of retries after the first failed attempt.
	StartupRetries *int `json:"startupRetries"`

	// MaxTimestampAge bounds how old a signed delivery may be.
	MaxTimestampAge Duration `json:"maxTimestampAge"`
}

type Polling struct {
	Interval Duration `json:"interval"`

	// FallbackEnabled starts the polling loop when push registration fails.
	FallbackEnabled *bool `json:"fallbackEnabled"`

	// SupplementPush runs the polling loop even when push delivery is active.
	SupplementPush bool `json:"supplementPush"`

	// Concurrency bounds per-cycle parallel cluster operations.
	Concurrency int `json:"concurrency"`

	CycleTimeout Duration `json:"cycleTimeout"`

	StateConfigMapName string `json:"stateConfigMapName"`
}

type Serving struct {
	Group    string `json:"group"`
	Version  string `json:"version"`
	Kind     string `json:"kind"`
	Resource string `json:"resource"`

	// NamePrefix is prepended to every generated resource name.
	NamePrefix string `json:"namePrefix"`

	// TemplatePath overrides the embedded manifest template.
	TemplatePath string `json:"templatePath"`

	Retry Retry `json:"retry"`

	Predictor Predictor `json:"predictor"`
}

func (s Serving) GroupVersionKind() schema.GroupVersionKind {
	return schema.GroupVersionKind{Group: s.Group, Version: s.Version, Kind: s.Kind}
}

type Retry struct {
	// Attempts is the total number of tries for a transiently failing call.
	Attempts int `json:"attempts"`

	BaseDelay Duration `json:"baseDelay"`
}

type Predictor struct {
	Requests corev1.ResourceList `json:"requests,omitempty"`
	Limits   corev1.ResourceList `json:"limits,omitempty"`
}

type Messaging struct {
	ErrorMaxBackoff Duration        `json:"errorMaxBackoff"`
	Streams         []MessageStream `json:"streams"`
}

type MessageStream struct {
	EventsURL   string `json:"eventsURL"`
	MaxHandlers int    `json:"maxHandlers"`
}

type LeaderElection struct {
	Enabled *bool `json:"enabled"`

	LeaseDuration Duration `json:"leaseDuration"`
	RenewDeadline Duration `json:"renewDeadline"`
	RetryPeriod   Duration `json:"retryPeriod"`
}

type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		d.Duration = time.Duration(value)
		return nil
	case string:
		var err error
		d.Duration, err = time.ParseDuration(value)
		if err != nil {
			return err
		}
		return nil
	default:
		return errors.New("invalid duration")
	}
}
