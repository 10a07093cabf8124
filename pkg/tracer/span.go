package tracer

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	attr "go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktr "go.opentelemetry.io/otel/sdk/trace"
	tr "go.opentelemetry.io/otel/trace"
)

type StatusCode int

const (
	StatusUnset StatusCode = 0
	StatusOK    StatusCode = 1
	StatusError StatusCode = 2
)

func (c StatusCode) String() string {
	switch c {
	case StatusOK:
		return "OK"
	case StatusError:
		return "ERROR"
	default:
		return "UNSET"
	}
}

// Span is one decoded span record. It is treated as immutable once EndTime is
// set: the processor forwards copies, never mutates what it was handed.
type Span struct {
	TraceID           string     `json:"trace_id"`
	SpanID            string     `json:"span_id"`
	ParentID          string     `json:"parent_id,omitempty"` // empty for a trace root
	Name              string     `json:"name"`
	Kind              string     `json:"kind,omitempty"` // role tag, e.g. llm, tool, chain
	StartTime         time.Time  `json:"start_time"`
	EndTime           *time.Time `json:"end_time,omitempty"` // nil while running
	Status            StatusCode `json:"status"`
	StatusDescription string     `json:"status_description,omitempty"`
	Attributes        Attributes `json:"attributes,omitempty"`

	// Origin is the SDK span this record was decoded from, if any.
	Origin sdktr.ReadOnlySpan `json:"-"`
}

// Ended reports whether the span carries an end time.
func (s *Span) Ended() bool {
	return s.EndTime != nil
}

// Clone returns a shallow copy with its own attribute map.
func (s *Span) Clone() *Span {
	c := *s
	if s.EndTime != nil {
		end := *s.EndTime
		c.EndTime = &end
	}
	c.Attributes = s.Attributes.Clone()
	return &c
}

// Attributes is a typed view over a span's attribute mapping. Every accessor
// reports presence explicitly so an absent key is never mistaken for a zero value.
type Attributes map[string]any

func (a Attributes) Has(key string) bool {
	if a == nil || key == "" {
		return false
	}
	_, ok := a[key]
	return ok
}

func (a Attributes) String(key string) (string, bool) {
	v, ok := a[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func (a Attributes) Bool(key string) (bool, bool) {
	v, ok := a[key]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// Flag reports whether key is present and truthy.
func (a Attributes) Flag(key string) bool {
	if !a.Has(key) {
		return false
	}
	switch v := a[key].(type) {
	case bool:
		return v
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "", "false", "0":
			return false
		}
		return true
	case int:
		return v != 0
	case int64:
		return v != 0
	case float64:
		return v != 0
	case nil:
		return false
	default:
		return true
	}
}

func (a Attributes) Clone() Attributes {
	if a == nil {
		return nil
	}
	c := make(Attributes, len(a))
	for k, v := range a {
		c[k] = v
	}
	return c
}

// Util

// newSpanID generates a random 64-bit span id in lowercase hex.
func newSpanID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:8])
}

// convert from SDK key-values to the attribute view
func fromKeyValues(kvs []attr.KeyValue) Attributes {
	if len(kvs) == 0 {
		return nil
	}
	a := make(Attributes, len(kvs))
	for _, kv := range kvs {
		a[string(kv.Key)] = kv.Value.AsInterface()
	}
	return a
}

// convert from the attribute view to SDK key-values
func toKeyValues(a Attributes) []attr.KeyValue {
	kvs := make([]attr.KeyValue, 0, len(a))
	for k, v := range a {
		kvs = append(kvs, toKeyValue(k, v))
	}
	return kvs
}

func toKeyValue(k string, v any) attr.KeyValue {
	switch v := v.(type) {
	case string:
		return attr.String(k, v)
	case bool:
		return attr.Bool(k, v)
	case int:
		return attr.Int(k, v)
	case int64:
		return attr.Int64(k, v)
	case float64:
		return attr.Float64(k, v)
	case []string:
		return attr.StringSlice(k, v)
	case []bool:
		return attr.BoolSlice(k, v)
	case []int64:
		return attr.Int64Slice(k, v)
	case []float64:
		return attr.Float64Slice(k, v)
	case fmt.Stringer:
		return attr.String(k, v.String())
	default:
		return attr.String(k, fmt.Sprint(v))
	}
}

func fromOtelStatus(s sdktr.Status) StatusCode {
	switch s.Code {
	case codes.Ok:
		return StatusOK
	case codes.Error:
		return StatusError
	default:
		return StatusUnset
	}
}

func toOtelStatus(c StatusCode, description string) sdktr.Status {
	switch c {
	case StatusOK:
		return sdktr.Status{Code: codes.Ok}
	case StatusError:
		return sdktr.Status{Code: codes.Error, Description: description}
	default:
		return sdktr.Status{Code: codes.Unset}
	}
}

// FromReadOnlySpan decodes an SDK span. kindKey names the attribute carrying the
// role tag.
func FromReadOnlySpan(s sdktr.ReadOnlySpan, kindKey string) *Span {
	attrs := fromKeyValues(s.Attributes())
	span := &Span{
		TraceID:   s.SpanContext().TraceID().String(),
		SpanID:    s.SpanContext().SpanID().String(),
		Name:      s.Name(),
		StartTime: s.StartTime(),
		Origin:    s,
	}
	if parent := s.Parent(); parent.SpanID().IsValid() {
		span.ParentID = parent.SpanID().String()
	}
	if kind, ok := attrs.String(kindKey); ok {
		span.Kind = kind
	}
	if end := s.EndTime(); !end.IsZero() {
		span.EndTime = &end
	}
	status := s.Status()
	span.Status = fromOtelStatus(status)
	span.StatusDescription = status.Description
	span.Attributes = attrs
	return span
}

// convert a hex trace id; zero if it fails to parse
func convertTraceID(id string) tr.TraceID {
	traceID, err := tr.TraceIDFromHex(id)
	if err != nil {
		return tr.TraceID{}
	}
	return traceID
}

// convert a hex span id; ok is false for ids minted outside OTel, e.g. "ext-42"
func convertSpanID(id string) (tr.SpanID, bool) {
	if id == "" {
		return tr.SpanID{}, false
	}
	spanID, err := tr.SpanIDFromHex(id)
	if err != nil {
		return tr.SpanID{}, false
	}
	return spanID, true
}
