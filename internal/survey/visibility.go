package survey

import (
	"math"
	"reflect"
	"strconv"

	"github.com/pitabwire/surveysync/model"
)

// IsVisible reports whether q is shown given responses. The answer a
// dependency points at only counts while that question is itself visible.
func IsVisible(def model.SurveyDefinition, q model.Question, responses model.ResponseSet) bool {
	return visible(def, q, responses, len(def.Questions)+1)
}

func visible(def model.SurveyDefinition, q model.Question, responses model.ResponseSet, depth int) bool {
	dep := q.DependsOn
	if dep == nil || dep.QuestionID == "" {
		return true
	}
	if depth <= 0 {
		return false
	}
	if parent, ok := def.Question(dep.QuestionID); ok && !visible(def, parent, responses, depth-1) {
		return false
	}
	v, ok := responses[dep.QuestionID]
	if !ok || model.IsEmptyValue(v) {
		return false
	}
	if dep.Value == nil {
		return true
	}
	if list, ok := v.([]any); ok {
		for _, item := range list {
			if valuesEqual(item, dep.Value) {
				return true
			}
		}
		return false
	}
	return valuesEqual(v, dep.Value)
}

// valuesEqual compares answers loosely across the number and bool forms
// YAML and JSON decode to.
func valuesEqual(a, b any) bool {
	if fa, ok := asFloat(a); ok {
		if fb, ok := asFloat(b); ok {
			return fa == fb
		}
	}
	sa, aok := asText(a)
	sb, bok := asText(b)
	if aok && bok {
		return sa == sb
	}
	return reflect.DeepEqual(a, b)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, !math.IsNaN(n)
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil && !math.IsNaN(f)
	}
	return 0, false
}

func asText(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case bool:
		return strconv.FormatBool(t), true
	}
	return "", false
}

// VisibleQuestions returns the visible questions of section i in
// declaration order. An out of range index yields nil.
func VisibleQuestions(def model.SurveyDefinition, i int, responses model.ResponseSet) []model.Question {
	if i < 0 || i >= len(def.Sections) {
		return nil
	}
	var out []model.Question
	for _, q := range def.SectionQuestions(def.Sections[i].ID) {
		if IsVisible(def, q, responses) {
			out = append(out, q)
		}
	}
	return out
}

// ComputeProgress summarizes the answers to visible questions. Percentage is
// rounded to the nearest integer and is 0 for a survey with no visible
// questions.
func ComputeProgress(def model.SurveyDefinition, responses model.ResponseSet) model.Progress {
	var p model.Progress
	for _, q := range def.Questions {
		if !IsVisible(def, q, responses) {
			continue
		}
		answered := !model.IsEmptyValue(responses[q.ID])
		p.Total++
		if answered {
			p.Answered++
		}
		if q.Required {
			p.RequiredTotal++
			if answered {
				p.RequiredAnswered++
			}
		}
	}
	if p.Total > 0 {
		p.Percentage = int(math.Round(100 * float64(p.Answered) / float64(p.Total)))
	}
	return p
}

// IsVisible reports whether the question with id is currently shown.
// Unknown ids are not visible.
func (e *Engine) IsVisible(questionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	q, ok := e.def.Question(questionID)
	if !ok {
		return false
	}
	return IsVisible(e.def, q, e.responses)
}

// VisibleQuestions returns the visible questions of section i.
func (e *Engine) VisibleQuestions(i int) []model.Question {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.visibleQuestionsLocked(i)
}

func (e *Engine) visibleQuestionsLocked(i int) []model.Question {
	return VisibleQuestions(e.def, i, e.responses)
}
