package monitoring

import (
	"fmt"
	"math"

	"github.com/Nuosis/clarity-local-runner-sub002/pkg/errors"
)

// Comparison selects how a sample is tested against a threshold
type Comparison string

const (
	GreaterThan      Comparison = "greater_than"
	LessThan         Comparison = "less_than"
	Equals           Comparison = "equals"
	PercentageChange Comparison = "percentage_change"
)

// Severity ranks alerts
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Severities lists every severity from lowest to highest
var Severities = []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

// DefaultMinSamples is used when a threshold does not set MinSamples
const DefaultMinSamples = 5

const equalsTolerance = 1e-9

// Threshold binds a metric to an alerting rule
type Threshold struct {
	MetricName string     `json:"metric_name"`
	Comparison Comparison `json:"comparison"`
	Value      float64    `json:"value"`
	Severity   Severity   `json:"severity"`
	MinSamples int        `json:"min_samples"`
	Enabled    bool       `json:"enabled"`
}

// Validate rejects thresholds that can never be evaluated
func (t Threshold) Validate() error {
	if t.MetricName == "" {
		return errors.NewValidationError("threshold metric name is required")
	}
	switch t.Comparison {
	case GreaterThan, LessThan, Equals, PercentageChange:
	default:
		return errors.NewValidationError(fmt.Sprintf("unknown comparison %q", t.Comparison))
	}
	switch t.Severity {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
	default:
		return errors.NewValidationError(fmt.Sprintf("unknown severity %q", t.Severity))
	}
	if t.MinSamples < 0 {
		return errors.NewValidationError("min_samples must not be negative")
	}
	return nil
}

// Breached reports whether current violates the threshold. Percentage
// change is measured against the window mean; a zero mean never breaches.
func (t Threshold) Breached(current float64, stats Stats) bool {
	switch t.Comparison {
	case GreaterThan:
		return current > t.Value
	case LessThan:
		return current < t.Value
	case Equals:
		return math.Abs(current-t.Value) < equalsTolerance
	case PercentageChange:
		if stats.Mean == 0 {
			return false
		}
		return math.Abs((current-stats.Mean)/stats.Mean*100) > t.Value
	default:
		return false
	}
}

func (t Threshold) describe(current float64) string {
	switch t.Comparison {
	case GreaterThan:
		return fmt.Sprintf("%s is %.2f, above threshold %.2f", t.MetricName, current, t.Value)
	case LessThan:
		return fmt.Sprintf("%s is %.2f, below threshold %.2f", t.MetricName, current, t.Value)
	case Equals:
		return fmt.Sprintf("%s equals %.2f", t.MetricName, t.Value)
	default:
		return fmt.Sprintf("%s is %.2f, more than %.0f%% from its recent mean", t.MetricName, current, t.Value)
	}
}

func gt(metric string, value float64, severity Severity) Threshold {
	return Threshold{
		MetricName: metric,
		Comparison: GreaterThan,
		Value:      value,
		Severity:   severity,
		MinSamples: DefaultMinSamples,
		Enabled:    true,
	}
}

// DefaultThresholds returns the thresholds every monitor starts with.
// Latencies and durations are in milliseconds, rates and usage in percent.
func DefaultThresholds() []Threshold {
	return []Threshold{
		gt("transformation_latency", 2000, SeverityHigh),
		gt("api_response_time", 200, SeverityMedium),
		gt("error_rate", 5, SeverityHigh),
		gt("memory_usage", 85, SeverityCritical),
		gt("cpu_usage", 90, SeverityHigh),
		gt("queue_latency", 5000, SeverityHigh),
		gt("verification_duration", 30000, SeverityHigh),
		gt("container_setup_duration", 10000, SeverityHigh),
		gt("bounded_execution_duration", 60000, SeverityHigh),
	}
}
