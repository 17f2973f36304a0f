// Package storage defines the document store that task and model records are persisted to.
//
// The store is a collaborator: the cluster core only relies on partial upserts, point reads and listing an
// index. Every operation completes through a callback.
package storage

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
)

const (
	// TaskIndex holds one document per task.
	TaskIndex = "ml_tasks"

	// ModelIndex holds one document per model.
	ModelIndex = "ml_models"
)

var (
	ErrDocumentNotFound = errors.New("document not found")
)

// Document is a flat set of fields. Values are strings, booleans, numbers or string slices.
type Document map[string]interface{}

// Store persists documents.
//
// Upsert merges fields into the document, creating it if necessary. Fields that are not named are left
// unchanged. Get reports ErrDocumentNotFound through its callback when the document does not exist.
type Store interface {
	Upsert(ctx context.Context, index string, id string, fields Document, cb func(error))
	Get(ctx context.Context, index string, id string, cb func(Document, error))
	List(ctx context.Context, index string, cb func(map[string]Document, error))
}

// String returns the string stored under key, or "".
func (d Document) String(key string) string {
	if v, ok := d[key].(string); ok {
		return v
	}
	return ""
}

// Bool returns the boolean stored under key, or false.
func (d Document) Bool(key string) bool {
	if v, ok := d[key].(bool); ok {
		return v
	}
	return false
}

// Int64 returns the integer stored under key. Documents read back from an encoded form carry numbers as
// float64 or json.Number, so those are converted as well.
func (d Document) Int64(key string) int64 {
	switch v := d[key].(type) {
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	default:
		return 0
	}
}

// Time returns the Unix-millisecond timestamp stored under key, or the zero time.
func (d Document) Time(key string) time.Time {
	ms := d.Int64(key)
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Strings returns the string slice stored under key, or nil.
func (d Document) Strings(key string) []string {
	switch v := d[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, s := range v {
			if str, ok := s.(string); ok {
				out = append(out, str)
			}
		}
		return out
	default:
		return nil
	}
}

// Clone returns a shallow copy of d with its string slices copied.
func (d Document) Clone() Document {
	clone := make(Document, len(d))
	for k, v := range d {
		if strs, ok := v.([]string); ok {
			clone[k] = append([]string(nil), strs...)
			continue
		}
		clone[k] = v
	}
	return clone
}
