package logging

import (
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
)

// TimestampFormat is ISO-8601 UTC with millisecond precision.
const TimestampFormat = "2006-01-02T15:04:05.000Z"

// Formatter renders entries as one JSON object per line. If the entry data
// cannot be marshalled a reduced record carrying logging_error is written
// instead, so a bad field never fails the caller.
type Formatter struct{}

// Format implements logrus.Formatter.
func (f *Formatter) Format(entry *logrus.Entry) ([]byte, error) {
	data := make(logrus.Fields, len(entry.Data)+4)
	for k, v := range entry.Data {
		switch v := v.(type) {
		case error:
			data[k] = v.Error()
		default:
			data[k] = v
		}
	}
	f.stamp(data, entry)

	serialized, err := json.Marshal(data)
	if err != nil {
		serialized = f.fallback(entry, err)
	}
	return append(serialized, '\n'), nil
}

func (f *Formatter) stamp(data logrus.Fields, entry *logrus.Entry) {
	data[FieldTimestamp] = entry.Time.UTC().Format(TimestampFormat)
	data[FieldLevel] = entry.Level.String()
	data[FieldMessage] = entry.Message
	if _, ok := data[FieldLogger]; !ok {
		data[FieldLogger] = "root"
	}
}

func (f *Formatter) fallback(entry *logrus.Entry, cause error) []byte {
	data := logrus.Fields{
		"logging_error": fmt.Sprintf("failed to serialize log record: %v", cause),
	}
	for _, key := range []string{FieldLogger, FieldCorrelationID, FieldProjectID, FieldExecutionID, FieldTaskID, FieldNode, FieldStatus} {
		if s, ok := entry.Data[key].(string); ok {
			data[key] = s
		}
	}
	f.stamp(data, entry)

	serialized, err := json.Marshal(data)
	if err != nil {
		return []byte(`{"logging_error":"unserializable log record"}`)
	}
	return serialized
}
