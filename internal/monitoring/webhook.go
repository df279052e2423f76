package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/Nuosis/clarity-local-runner-sub002/pkg/errors"
)

const defaultWebhookTimeout = 10 * time.Second

// WebhookAlertHandler posts each alert as JSON to a URL
type WebhookAlertHandler struct {
	url     string
	headers map[string]string
	client  *http.Client
}

// WebhookPayload is the body sent by WebhookAlertHandler
type WebhookPayload struct {
	Status string `json:"status"`
	Alert  Alert  `json:"alert"`
}

// NewWebhookAlertHandler creates a webhook handler
func NewWebhookAlertHandler(url string, headers map[string]string) *WebhookAlertHandler {
	return &WebhookAlertHandler{
		url:     url,
		headers: headers,
		client:  &http.Client{Timeout: defaultWebhookTimeout},
	}
}

// Name returns the handler name
func (h *WebhookAlertHandler) Name() string {
	return "webhook"
}

// HandleAlert sends the alert
func (h *WebhookAlertHandler) HandleAlert(ctx context.Context, alert Alert) error {
	return postJSON(ctx, h.client, h.url, h.headers, WebhookPayload{
		Status: alertStatus(alert),
		Alert:  alert,
	})
}

// SlackAlertHandler posts alerts to a Slack incoming webhook
type SlackAlertHandler struct {
	webhookURL string
	channel    string
	username   string
	client     *http.Client
}

// NewSlackAlertHandler creates a Slack handler. channel and username may
// be empty to use the webhook's defaults.
func NewSlackAlertHandler(webhookURL, channel, username string) *SlackAlertHandler {
	return &SlackAlertHandler{
		webhookURL: webhookURL,
		channel:    channel,
		username:   username,
		client:     &http.Client{Timeout: defaultWebhookTimeout},
	}
}

// Name returns the handler name
func (h *SlackAlertHandler) Name() string {
	return "slack"
}

// HandleAlert sends the alert as a Slack attachment
func (h *SlackAlertHandler) HandleAlert(ctx context.Context, alert Alert) error {
	color := severityColor(alert.Severity)
	if alert.Resolved {
		color = "good"
	}

	fields := []map[string]interface{}{
		{"title": "Severity", "value": string(alert.Severity), "short": true},
		{"title": "Value", "value": fmt.Sprintf("%.2f (threshold %.2f)", alert.CurrentValue, alert.ThresholdValue), "short": true},
	}
	if alert.CorrelationID != "" {
		fields = append(fields, map[string]interface{}{"title": "Correlation ID", "value": alert.CorrelationID, "short": true})
	}
	keys := make([]string, 0, len(alert.Tags))
	for k := range alert.Tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fields = append(fields, map[string]interface{}{"title": k, "value": alert.Tags[k], "short": true})
	}

	payload := map[string]interface{}{
		"attachments": []map[string]interface{}{
			{
				"color":     color,
				"title":     fmt.Sprintf("[%s] %s", alertStatus(alert), alert.MetricName),
				"text":      alert.Message,
				"timestamp": alert.Timestamp.Unix(),
				"fields":    fields,
			},
		},
	}
	if h.channel != "" {
		payload["channel"] = h.channel
	}
	if h.username != "" {
		payload["username"] = h.username
	}
	return postJSON(ctx, h.client, h.webhookURL, nil, payload)
}

func alertStatus(alert Alert) string {
	if alert.Resolved {
		return "RESOLVED"
	}
	return "FIRING"
}

func severityColor(severity Severity) string {
	switch severity {
	case SeverityLow:
		return "#36a64f"
	case SeverityMedium:
		return "#ff9500"
	case SeverityHigh:
		return "#ff0000"
	case SeverityCritical:
		return "#8b0000"
	default:
		return "#808080"
	}
}

func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, body interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return errors.NewInternalError("failed to marshal alert payload").WithCause(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return errors.NewValidationError("invalid alert webhook url").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return errors.NewExternalError("alert_webhook", "failed to send alert").WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.NewExternalError("alert_webhook", fmt.Sprintf("webhook returned status %d", resp.StatusCode))
	}
	return nil
}
