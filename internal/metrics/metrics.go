package metrics

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	MeterName = "tagserve.org"
)

// Metrics used to observe notification intake:
var (
	NotificationsActiveMetricName    = "tagserve.notifications.active"
	NotificationsActive              metric.Int64UpDownCounter
	NotificationsProcessedMetricName = "tagserve.notifications.processed"
	NotificationsProcessed           metric.Int64Counter
)

// Attributes:
var (
	AttrTrigger = attribute.Key("trigger")
	AttrResult  = attribute.Key("result")
)

// Attribute values:
const (
	AttrTriggerHTTP    = "http"
	AttrTriggerMessage = "message"

	AttrResultApplied = "applied"
	AttrResultIgnored = "ignored"
	AttrResultFailed  = "failed"
)

// Init sets up global metric variables.
func Init(meter metric.Meter) error {
	var err error
	NotificationsActive, err = meter.Int64UpDownCounter(NotificationsActiveMetricName,
		metric.WithDescription("The number of registry notifications currently being handled"),
	)
	if err != nil {
		return fmt.Errorf("%s: %w", NotificationsActiveMetricName, err)
	}
	NotificationsProcessed, err = meter.Int64Counter(NotificationsProcessedMetricName,
		metric.WithDescription("The number of registry notifications handled to a terminal state"),
	)
	if err != nil {
		return fmt.Errorf("%s: %w", NotificationsProcessedMetricName, err)
	}

	return nil
}

func OtelNameToPromName(name string) string {
	return strings.ReplaceAll(name, ".", "_")
}

func OtelAttrToPromLabel(k attribute.Key) string {
	return OtelNameToPromName(string(k))
}
