package logging

import (
	"github.com/sirupsen/logrus"
)

// Field names shared with downstream log consumers. The identifier fields
// are camelCase and must not change.
const (
	FieldTimestamp     = "timestamp"
	FieldLevel         = "level"
	FieldMessage       = "message"
	FieldLogger        = "logger"
	FieldCorrelationID = "correlationId"
	FieldProjectID     = "projectId"
	FieldExecutionID   = "executionId"
	FieldTaskID        = "taskId"
	FieldNode          = "node"
	FieldStatus        = "status"
)

// Status is the lifecycle status attached to an event.
type Status string

const (
	StatusStarted       Status = "started"
	StatusInProgress    Status = "in_progress"
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
	StatusSkipped       Status = "skipped"
	StatusRetrying      Status = "retrying"
	StatusDegraded      Status = "degraded"
	StatusRecovered     Status = "recovered"
	StatusCircuitOpen   Status = "circuit_open"
	StatusCircuitClosed Status = "circuit_closed"
)

// Event carries the correlation fields of one structured record. Empty
// identifiers are omitted from the output.
type Event struct {
	CorrelationID string
	ProjectID     string
	ExecutionID   string
	TaskID        string
	Node          string
	Status        Status
	Fields        map[string]interface{}
}

// LogrusFields flattens the event into logrus fields.
func (e Event) LogrusFields() logrus.Fields {
	fields := make(logrus.Fields, len(e.Fields)+6)
	for k, v := range e.Fields {
		fields[k] = v
	}
	setIf(fields, FieldCorrelationID, e.CorrelationID)
	setIf(fields, FieldProjectID, e.ProjectID)
	setIf(fields, FieldExecutionID, e.ExecutionID)
	setIf(fields, FieldTaskID, e.TaskID)
	setIf(fields, FieldNode, e.Node)
	setIf(fields, FieldStatus, string(e.Status))
	return fields
}

// With returns a copy of the event with an extra field set.
func (e Event) With(key string, value interface{}) Event {
	fields := make(map[string]interface{}, len(e.Fields)+1)
	for k, v := range e.Fields {
		fields[k] = v
	}
	fields[key] = value
	e.Fields = fields
	return e
}

// WithStatus returns a copy of the event with a different status.
func (e Event) WithStatus(status Status) Event {
	e.Status = status
	return e
}

// Emit writes one structured record at the given level. Secret redaction
// and serialization fallback are applied by the logger's hook and
// formatter, so Emit never fails.
func (l *Logger) Emit(level logrus.Level, message string, event Event) {
	l.WithFields(event.LogrusFields()).Log(level, message)
}

func setIf(fields logrus.Fields, key, value string) {
	if value != "" {
		fields[key] = value
	}
}
