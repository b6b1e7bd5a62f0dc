// Package logging provides a small chainable "standard fields" builder on
// top of zap, mirroring the teacher's pkg/shared/logging conventions.
package logging

import (
	"time"

	"go.uber.org/zap"
)

// Fields is a map-backed, chainable builder for structured log fields.
type Fields map[string]interface{}

// NewFields returns an empty Fields builder.
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

func (f Fields) Resource(resourceType, resourceName string) Fields {
	f["resource_type"] = resourceType
	if resourceName != "" {
		f["resource_name"] = resourceName
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
	if id != "" {
		f["request_id"] = id
	}
	return f
}

func (f Fields) RepoID(id int64) Fields {
	f["repo_id"] = id
	return f
}

func (f Fields) JobID(id string) Fields {
	if id != "" {
		f["job_id"] = id
	}
	return f
}

// Zap converts the builder into a slice of zap.Field, in insertion-agnostic
// (sorted not required — zap doesn't care) key/value pairs.
func (f Fields) Zap() []zap.Field {
	out := make([]zap.Field, 0, len(f))
	for k, v := range f {
		out = append(out, zap.Any(k, v))
	}
	return out
}
