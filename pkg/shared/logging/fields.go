// Package logging provides a small structured-field builder shared by every
// subsystem so log lines carry the same vocabulary (component, operation,
// resource, duration...) no matter which package emitted them. Fields is a
// plain map so it adapts equally well to zap.Any, logr.Logger.WithValues, or
// a test assertion.
package logging

import "time"

// Fields is an ordered bag of structured log attributes.
type Fields map[string]interface{}

// NewFields returns an empty Fields ready for chaining.
func NewFields() Fields {
	return Fields{}
}

func (f Fields) Component(name string) Fields {
	f["component"] = name
	return f
}

func (f Fields) Operation(name string) Fields {
	f["operation"] = name
	return f
}

func (f Fields) Resource(kind, name string) Fields {
	f["resource_type"] = kind
	if name != "" {
		f["resource_name"] = name
	}
	return f
}

func (f Fields) Duration(d time.Duration) Fields {
	f["duration_ms"] = d.Milliseconds()
	return f
}

func (f Fields) Error(err error) Fields {
	if err != nil {
		f["error"] = err.Error()
	}
	return f
}

func (f Fields) UserID(id string) Fields {
	if id != "" {
		f["user_id"] = id
	}
	return f
}

func (f Fields) RequestID(id string) Fields {
	f["request_id"] = id
	return f
}

func (f Fields) TraceID(id string) Fields {
	f["trace_id"] = id
	return f
}

func (f Fields) CorrelationID(id string) Fields {
	f["correlation_id"] = id
	return f
}

func (f Fields) StatusCode(code int) Fields {
	f["status_code"] = code
	return f
}

func (f Fields) Method(method string) Fields {
	f["method"] = method
	return f
}

func (f Fields) URL(url string) Fields {
	f["url"] = url
	return f
}

func (f Fields) Count(n int) Fields {
	f["count"] = n
	return f
}

func (f Fields) Size(bytes int64) Fields {
	f["size_bytes"] = bytes
	return f
}

func (f Fields) Version(v string) Fields {
	f["version"] = v
	return f
}

func (f Fields) Custom(key string, value interface{}) Fields {
	f[key] = value
	return f
}

// ToLogrus returns f as a map[string]interface{}, the shape logrus.WithFields
// and zap.Any("fields", ...) both accept.
func (f Fields) ToLogrus() map[string]interface{} {
	return map[string]interface{}(f)
}

// DatabaseFields builds the standard field set for a relational-store
// operation against a named table.
func DatabaseFields(operation, table string) Fields {
	return NewFields().Component("database").Operation(operation).Resource("table", table)
}

// HTTPFields builds the standard field set for an HTTP request/response.
func HTTPFields(method, url string, statusCode int) Fields {
	return NewFields().Component("http").Method(method).URL(url).StatusCode(statusCode)
}

// WorkflowFields builds the standard field set for an incident state-machine
// transition keyed by incident id.
func WorkflowFields(operation, incidentID string) Fields {
	return NewFields().Component("workflow").Operation(operation).Resource("incident", incidentID)
}

// QueueFields builds the standard field set for a queue operation.
func QueueFields(operation, queueName string) Fields {
	return NewFields().Component("queue").Operation(operation).Resource("queue", queueName)
}

// BreakerFields builds the standard field set for a circuit-breaker event.
func BreakerFields(key, state string) Fields {
	return NewFields().Component("breaker").Resource("breaker", key).Custom("state", state)
}

// SecurityFields builds the standard field set for an auth-adjacent event.
func SecurityFields(operation, subject string) Fields {
	return NewFields().Component("security").Operation(operation).Custom("subject", subject)
}

// MetricsFields builds the standard field set for a recorded metric.
func MetricsFields(operation, metricName string, value float64) Fields {
	return NewFields().Component("metrics").Operation(operation).Custom("metric_name", metricName).Custom("value", value)
}

// PerformanceFields builds the standard field set for a timed operation
// outcome.
func PerformanceFields(operation string, duration time.Duration, success bool) Fields {
	return NewFields().Component("performance").Operation(operation).Duration(duration).Custom("success", success)
}
