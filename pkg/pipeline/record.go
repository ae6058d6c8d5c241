package pipeline

import (
	"encoding/json"
	"fmt"
)

// Status is the outcome of one stage
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Reserved keys of the flat stage result encoding
const (
	KeyNodeType = "node_type"
	KeyStatus   = "status"
	KeyError    = "error"
)

// Well-known effect keys shared between stages and the coordinator
const (
	KeySQL     = "SQL"
	KeyExecRes = "exec_res"
	KeyExecErr = "exec_err"
)

// StageResult is the record a stage leaves in the history.
// It encodes as one flat JSON object: node_type, status, then the stage effects.
type StageResult struct {
	NodeType StageName
	Status   Status
	Effects  map[string]any
}

// MarshalJSON flattens the effects next to node_type and status
func (r StageResult) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(r.Effects)+2)
	for k, v := range r.Effects {
		flat[k] = v
	}
	flat[KeyNodeType] = r.NodeType
	flat[KeyStatus] = r.Status
	return json.Marshal(flat)
}

// UnmarshalJSON accepts any object carrying node_type. Unknown keys become effects.
func (r *StageResult) UnmarshalJSON(data []byte) error {
	var flat map[string]any
	if err := json.Unmarshal(data, &flat); err != nil {
		return err
	}

	nodeType, ok := flat[KeyNodeType].(string)
	if !ok || nodeType == "" {
		return fmt.Errorf("stage result without %s", KeyNodeType)
	}
	status, _ := flat[KeyStatus].(string)
	delete(flat, KeyNodeType)
	delete(flat, KeyStatus)

	r.NodeType = StageName(nodeType)
	r.Status = Status(status)
	r.Effects = flat
	return nil
}

// Succeeded reports whether the stage completed without error
func (r StageResult) Succeeded() bool {
	return r.Status == StatusSuccess
}

// Get returns an effect field
func (r StageResult) Get(key string) (any, bool) {
	v, ok := r.Effects[key]
	return v, ok
}

// String returns an effect field as a string, or "" when absent or not a string
func (r StageResult) String(key string) string {
	s, _ := r.Effects[key].(string)
	return s
}

// Strings returns an effect field as a string slice. A single string becomes a one-element slice.
func (r StageResult) Strings(key string) []string {
	switch v := r.Effects[key].(type) {
	case string:
		return []string{v}
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Error returns the captured error description of a failed stage
func (r StageResult) Error() string {
	return r.String(KeyError)
}

// History is the append-only execution record of one task
type History []StageResult

// Has reports whether a result for name is present
func (h History) Has(name StageName) bool {
	for _, r := range h {
		if r.NodeType == name {
			return true
		}
	}
	return false
}

// Last returns the most recent result for name
func (h History) Last(name StageName) (StageResult, bool) {
	for i := len(h) - 1; i >= 0; i-- {
		if h[i].NodeType == name {
			return h[i], true
		}
	}
	return StageResult{}, false
}

// Filter keeps only results of the allowed stages, in their original order.
// An empty allowed list keeps everything.
func (h History) Filter(allowed []StageName) History {
	if len(allowed) == 0 {
		return h.Clone()
	}
	keep := make(map[StageName]struct{}, len(allowed))
	for _, name := range allowed {
		keep[name] = struct{}{}
	}

	out := make(History, 0, len(h))
	for _, r := range h {
		if _, ok := keep[r.NodeType]; ok {
			out = append(out, r)
		}
	}
	return out
}

// Names returns the stage names in history order
func (h History) Names() []StageName {
	out := make([]StageName, len(h))
	for i, r := range h {
		out[i] = r.NodeType
	}
	return out
}

// Clone returns a copy that can be appended to without aliasing h
func (h History) Clone() History {
	out := make(History, len(h))
	copy(out, h)
	return out
}
