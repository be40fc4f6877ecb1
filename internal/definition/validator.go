package definition

import (
	"fmt"

	"github.com/pitabwire/surveysync/model"
)

// VError describes a single validation error in a definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validator validates definitions structurally and referentially.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks all definitions, including survey type uniqueness across
// files.
func (v *Validator) Validate(defs []model.SurveyDefinition) []VError {
	var errs []VError
	seen := make(map[string]string)
	for i, def := range defs {
		prefix := fmt.Sprintf("definitions[%d]", i)
		errs = append(errs, v.ValidateDefinition(prefix, def)...)

		if def.SurveyType == "" {
			continue
		}
		if other, dup := seen[def.SurveyType]; dup {
			errs = append(errs, VError{
				Path:    prefix + ".survey_type",
				Code:    "DUPLICATE",
				Message: fmt.Sprintf("survey type %q is already defined by %s", def.SurveyType, other),
			})
			continue
		}
		seen[def.SurveyType] = sourceOf(def, prefix)
	}
	return errs
}

// ValidateDefinition checks a single definition. prefix is prepended to
// every error path.
func (v *Validator) ValidateDefinition(prefix string, def model.SurveyDefinition) []VError {
	var errs []VError

	if def.SurveyType == "" {
		errs = append(errs, VError{Path: prefix + ".survey_type", Code: "REQUIRED", Message: "survey_type is required"})
	}
	if len(def.Sections) == 0 {
		errs = append(errs, VError{Path: prefix + ".sections", Code: "REQUIRED", Message: "at least one section is required"})
	}

	sectionIDs := make(map[string]bool, len(def.Sections))
	for i, s := range def.Sections {
		sp := fmt.Sprintf("%s.sections[%d]", prefix, i)
		switch {
		case s.ID == "":
			errs = append(errs, VError{Path: sp + ".id", Code: "REQUIRED", Message: "id is required"})
		case sectionIDs[s.ID]:
			errs = append(errs, VError{Path: sp + ".id", Code: "DUPLICATE", Message: fmt.Sprintf("duplicate section id %q", s.ID)})
		default:
			sectionIDs[s.ID] = true
		}
		if s.Title == "" {
			errs = append(errs, VError{Path: sp + ".title", Code: "REQUIRED", Message: "title is required"})
		}
	}

	questionIDs := make(map[string]bool, len(def.Questions))
	for i, q := range def.Questions {
		qp := fmt.Sprintf("%s.questions[%d]", prefix, i)
		switch {
		case q.ID == "":
			errs = append(errs, VError{Path: qp + ".id", Code: "REQUIRED", Message: "id is required"})
		case questionIDs[q.ID]:
			errs = append(errs, VError{Path: qp + ".id", Code: "DUPLICATE", Message: fmt.Sprintf("duplicate question id %q", q.ID)})
		default:
			questionIDs[q.ID] = true
		}
		errs = append(errs, v.validateQuestion(qp, q, sectionIDs)...)
	}

	for i, q := range def.Questions {
		if q.DependsOn == nil {
			continue
		}
		dp := fmt.Sprintf("%s.questions[%d].depends_on", prefix, i)
		switch {
		case q.DependsOn.QuestionID == "":
			errs = append(errs, VError{Path: dp + ".question_id", Code: "REQUIRED", Message: "question_id is required"})
		case q.DependsOn.QuestionID == q.ID:
			errs = append(errs, VError{Path: dp + ".question_id", Code: "SELF_REFERENCE", Message: "a question cannot depend on itself"})
		case !questionIDs[q.DependsOn.QuestionID]:
			errs = append(errs, VError{Path: dp + ".question_id", Code: "REFERENCE_NOT_FOUND", Message: fmt.Sprintf("question %q not found", q.DependsOn.QuestionID)})
		}
	}

	if cycle := dependencyCycle(def.Questions); cycle != "" {
		errs = append(errs, VError{Path: prefix + ".questions", Code: "DEPENDENCY_CYCLE", Message: fmt.Sprintf("question %q depends on itself through other questions", cycle)})
	}

	return errs
}

func (v *Validator) validateQuestion(prefix string, q model.Question, sectionIDs map[string]bool) []VError {
	var errs []VError

	if q.Text == "" {
		errs = append(errs, VError{Path: prefix + ".text", Code: "REQUIRED", Message: "text is required"})
	}
	if q.SectionID == "" {
		errs = append(errs, VError{Path: prefix + ".section_id", Code: "REQUIRED", Message: "section_id is required"})
	} else if !sectionIDs[q.SectionID] {
		errs = append(errs, VError{Path: prefix + ".section_id", Code: "REFERENCE_NOT_FOUND", Message: fmt.Sprintf("section %q not found", q.SectionID)})
	}

	if q.ResponseType == "" {
		errs = append(errs, VError{Path: prefix + ".response_type", Code: "REQUIRED", Message: "response_type is required"})
	} else if !model.ValidResponseTypes[q.ResponseType] {
		errs = append(errs, VError{Path: prefix + ".response_type", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid response_type %q", q.ResponseType)})
	}

	switch q.ResponseType {
	case model.ResponseSingleSelect, model.ResponseMultiSelect, model.ResponseDropdown:
		if len(q.Options) == 0 {
			errs = append(errs, VError{Path: prefix + ".options", Code: "REQUIRED", Message: fmt.Sprintf("%s questions need at least one option", q.ResponseType)})
		}
	}

	switch q.ValidationType {
	case "", model.ValidationEmail, model.ValidationPhone:
	default:
		errs = append(errs, VError{Path: prefix + ".validation_type", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid validation_type %q", q.ValidationType)})
	}

	if (q.Min != nil || q.Max != nil) && !q.IsNumeric() {
		errs = append(errs, VError{Path: prefix, Code: "INVALID_BOUNDS", Message: "min and max apply only to number and rating questions"})
	}
	if q.Min != nil && q.Max != nil && *q.Min > *q.Max {
		errs = append(errs, VError{Path: prefix + ".min", Code: "INVALID_BOUNDS", Message: "min must not exceed max"})
	}
	if q.MaxLength != nil && *q.MaxLength <= 0 {
		errs = append(errs, VError{Path: prefix + ".max_length", Code: "INVALID_VALUE", Message: "max_length must be positive"})
	}

	return errs
}

// dependencyCycle returns the id of a question that reaches itself through
// depends_on links, or "" when the graph is acyclic.
func dependencyCycle(questions []model.Question) string {
	next := make(map[string]string, len(questions))
	for _, q := range questions {
		if q.DependsOn != nil && q.DependsOn.QuestionID != q.ID {
			next[q.ID] = q.DependsOn.QuestionID
		}
	}
	for _, q := range questions {
		steps := 0
		for cur, ok := next[q.ID]; ok; cur, ok = next[cur] {
			if cur == q.ID {
				return q.ID
			}
			steps++
			if steps > len(questions) {
				break
			}
		}
	}
	return ""
}

func sourceOf(def model.SurveyDefinition, fallback string) string {
	if def.SourceFile != "" {
		return def.SourceFile
	}
	return fallback
}
