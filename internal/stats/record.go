// Package stats builds the per-request usage record and delivers it to the
// Usage Panda API or a Redis stream.
package stats

import (
	"encoding/json"
)

// Flag is a recorded policy observation.
type Flag struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

// Metadata describes the caller and the call.
type Metadata struct {
	ProxyID      string `json:"proxy_id"`
	IPAddress    string `json:"ip_address,omitempty"`
	UserAgent    string `json:"user_agent,omitempty"`
	Organization string `json:"organization,omitempty"`
	TraceID      string `json:"trace_id,omitempty"`
	Latency      int64  `json:"latency,omitempty"` // milliseconds
}

// Record is the usage record of one request. It is owned by a single request
// and serialized once when uploaded.
type Record struct {
	Endpoint     string                     `json:"endpoint"`
	ConfigCached bool                       `json:"config_cached"`
	Flags        []Flag                     `json:"flags"`
	Error        bool                       `json:"error"`
	Autorouted   map[string]json.RawMessage `json:"autorouted"`
	Request      json.RawMessage            `json:"request,omitempty"`
	Response     json.RawMessage            `json:"response,omitempty"`
	Metadata     Metadata                   `json:"metadata"`
}

// NewRecord starts a record for endpoint.
func NewRecord(endpoint string, configCached bool, md Metadata) *Record {
	return &Record{
		Endpoint:     endpoint,
		ConfigCached: configCached,
		Flags:        []Flag{},
		Autorouted:   map[string]json.RawMessage{},
		Metadata:     md,
	}
}

// AddFlag appends a flag and returns its index.
func (r *Record) AddFlag(typ, description string) int {
	r.Flags = append(r.Flags, Flag{Type: typ, Description: description})
	return len(r.Flags) - 1
}

// AppendToFlag extends the description of the flag at index i.
func (r *Record) AppendToFlag(i int, suffix string) {
	if i < 0 || i >= len(r.Flags) {
		return
	}
	r.Flags[i].Description += suffix
}

// Descriptions returns the flag descriptions in insertion order.
func (r *Record) Descriptions() []string {
	out := make([]string, len(r.Flags))
	for i, f := range r.Flags {
		out[i] = f.Description
	}
	return out
}

// SetAutorouted records the provider payload of an automatic conversion.
func (r *Record) SetAutorouted(key string, payload []byte) {
	if len(payload) == 0 {
		return
	}
	r.Autorouted[key] = json.RawMessage(append([]byte(nil), payload...))
}
