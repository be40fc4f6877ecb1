// Package normalize converts the response shapes the survey service returns
// into a canonical question id to value mapping.
package normalize

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/pitabwire/surveysync/model"
)

// Shape names the layout of a raw response payload.
type Shape string

// Detected payload shapes.
const (
	ShapeNested Shape = "nested"
	ShapePairs  Shape = "pairs"
	ShapeFlat   Shape = "flat"
	ShapeEmpty  Shape = "empty"
)

// metadataKeys are never treated as question ids in a flat payload.
var metadataKeys = map[string]bool{
	"client_id":   true,
	"survey_type": true,
	"timestamp":   true,
	"progress":    true,
	"completed":   true,
	"version":     true,
	"metadata":    true,
	"created_at":  true,
	"updated_at":  true,
}

// DetectShape reports how raw lays out its answers.
func DetectShape(raw any) Shape {
	if obj := asObject(raw); obj != nil {
		switch obj["responses"].(type) {
		case map[string]any, model.ResponseSet:
			return ShapeNested
		case []any:
			return ShapePairs
		}
		return ShapeFlat
	}
	if _, ok := raw.([]any); ok {
		return ShapePairs
	}
	return ShapeEmpty
}

// Normalize extracts the answers from raw and coerces each one to the type
// its question declares. Ids without a question are kept unchanged. raw is
// never modified.
func Normalize(raw any, questions []model.Question) model.ResponseSet {
	byID := make(map[string]model.Question, len(questions))
	for _, q := range questions {
		byID[q.ID] = q
	}

	out := make(model.ResponseSet)
	for id, v := range extract(raw) {
		v = cloneAny(v)
		if q, ok := byID[id]; ok {
			v = Coerce(q, v)
		}
		out[id] = v
	}
	return out
}

// Record normalizes the answers of raw and also reads its version,
// progress and completion metadata.
func Record(raw any, questions []model.Question) model.ResponseRecord {
	rec := model.ResponseRecord{Responses: Normalize(raw, questions)}
	obj := asObject(raw)
	if obj == nil {
		return rec
	}
	if v, ok := toNumber(obj["version"]); ok {
		rec.Version = int(v)
	}
	rec.Progress = toProgress(obj["progress"])
	rec.Completed = toBool(obj["completed"])
	if s, ok := obj["completed_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			rec.CompletedAt = &t
		}
	}
	return rec
}

// Coerce converts v to the canonical form for q's response type.
func Coerce(q model.Question, v any) any {
	switch q.ResponseType {
	case model.ResponseMultiSelect:
		return toList(v)
	case model.ResponseNumber:
		n, ok := toNumber(firstElement(v))
		if !ok {
			return nil
		}
		return n
	default:
		v = firstElement(v)
		if s, ok := v.(string); ok {
			switch s {
			case "true":
				return true
			case "false":
				return false
			}
		}
		return v
	}
}

func extract(raw any) map[string]any {
	switch DetectShape(raw) {
	case ShapeNested:
		return asObject(asObject(raw)["responses"])
	case ShapePairs:
		if obj := asObject(raw); obj != nil {
			return fromPairs(obj["responses"].([]any))
		}
		return fromPairs(raw.([]any))
	case ShapeFlat:
		out := make(map[string]any)
		for k, v := range asObject(raw) {
			if !metadataKeys[k] {
				out[k] = v
			}
		}
		return out
	}
	return nil
}

func fromPairs(pairs []any) map[string]any {
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		obj := asObject(p)
		if obj == nil {
			continue
		}
		id := firstString(obj, "question_id", "questionId", "id")
		if id == "" {
			continue
		}
		for _, key := range []string{"response", "value", "answer"} {
			if v, ok := obj[key]; ok {
				out[id] = v
				break
			}
		}
		if _, ok := out[id]; !ok {
			out[id] = nil
		}
	}
	return out
}

func asObject(v any) map[string]any {
	switch t := v.(type) {
	case map[string]any:
		return t
	case model.ResponseSet:
		return t
	}
	return nil
}

func firstString(obj map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := obj[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// firstElement unwraps arrays until a non-array value remains. An empty
// array yields nil.
func firstElement(v any) any {
	for {
		switch t := v.(type) {
		case []any:
			if len(t) == 0 {
				return nil
			}
			v = t[0]
		case []string:
			if len(t) == 0 {
				return nil
			}
			return t[0]
		default:
			return v
		}
	}
}

func toList(v any) []any {
	switch t := v.(type) {
	case []any:
		return t
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	case string:
		sep := ";"
		if strings.Contains(t, ",") {
			sep = ","
		}
		out := []any{}
		for _, part := range strings.Split(t, sep) {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out
	}
	if isFalsy(v) {
		return []any{}
	}
	return []any{v}
}

func toNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, !math.IsNaN(t)
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

func toBool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t == "true"
	}
	return false
}

func toProgress(v any) *model.Progress {
	obj := asObject(v)
	if obj == nil {
		return nil
	}
	get := func(keys ...string) int {
		for _, k := range keys {
			if n, ok := toNumber(obj[k]); ok {
				return int(math.Round(n))
			}
		}
		return 0
	}
	return &model.Progress{
		Answered:         get("answered"),
		Total:            get("total"),
		RequiredAnswered: get("required_answered", "requiredAnswered"),
		RequiredTotal:    get("required_total", "requiredTotal"),
		Percentage:       get("percentage"),
	}
}

func isFalsy(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case bool:
		return !t
	case float64:
		return t == 0
	case int:
		return t == 0
	}
	return false
}

func cloneAny(v any) any {
	return model.ResponseSet{"v": v}.Clone()["v"]
}
