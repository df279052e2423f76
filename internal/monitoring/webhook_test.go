package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nuosis/clarity-local-runner-sub002/pkg/errors"
)

func testAlert() Alert {
	return Alert{
		ID:             "a1",
		MetricName:     "bounded_execution_duration",
		CurrentValue:   75000,
		ThresholdValue: 60000,
		Severity:       SeverityHigh,
		Message:        "bounded_execution_duration is 75000.00, above 60000.00",
		Timestamp:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		CorrelationID:  "corr-1",
		Tags:           map[string]string{"operation": "npm_ci"},
	}
}

func TestWebhookAlertHandler(t *testing.T) {
	var got WebhookPayload
	var token string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	h := NewWebhookAlertHandler(server.URL, map[string]string{"Authorization": "Bearer t"})
	require.NoError(t, h.HandleAlert(context.Background(), testAlert()))

	assert.Equal(t, "webhook", h.Name())
	assert.Equal(t, "Bearer t", token)
	assert.Equal(t, "FIRING", got.Status)
	assert.Equal(t, "a1", got.Alert.ID)
	assert.Equal(t, SeverityHigh, got.Alert.Severity)
}

func TestWebhookAlertHandler_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	err := NewWebhookAlertHandler(server.URL, nil).HandleAlert(context.Background(), testAlert())

	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeExternal))
	assert.Contains(t, err.Error(), "status 500")
}

func TestSlackAlertHandler(t *testing.T) {
	var got map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer server.Close()

	alert := testAlert()
	alert.Resolved = true
	h := NewSlackAlertHandler(server.URL, "#ops", "")
	require.NoError(t, h.HandleAlert(context.Background(), alert))

	assert.Equal(t, "#ops", got["channel"])
	assert.NotContains(t, got, "username")
	attachment := got["attachments"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "good", attachment["color"])
	assert.Equal(t, "[RESOLVED] bounded_execution_duration", attachment["title"])
	fields := attachment["fields"].([]interface{})
	assert.Len(t, fields, 4)
}

func TestSeverityColor(t *testing.T) {
	assert.Equal(t, "#8b0000", severityColor(SeverityCritical))
	assert.Equal(t, "#808080", severityColor(Severity("other")))
}
