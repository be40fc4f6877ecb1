package survey

import (
	"fmt"
	"regexp"
	"strconv"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	"github.com/pitabwire/surveysync/model"
)

var validate = validator.New()

// phonePattern accepts digits with common separators and an optional
// leading plus. The digit count is checked separately.
var phonePattern = regexp.MustCompile(`^\+?[0-9\s\-().]{7,}$`)

const minPhoneDigits = 10

// Field error codes reported in VALIDATION_ERROR details.
const (
	CodeRequired = "REQUIRED"
	CodeEmail    = "INVALID_EMAIL"
	CodePhone    = "INVALID_PHONE"
	CodeNumber   = "INVALID_NUMBER"
	CodeMin      = "BELOW_MIN"
	CodeMax      = "ABOVE_MAX"
)

type issue struct {
	code    string
	message string
}

// CheckAnswer validates one answer. It returns the error, if any, and a
// separate warning for over-long text.
func CheckAnswer(q model.Question, v any) (*model.FieldError, string) {
	if model.IsEmptyValue(v) {
		if q.Required {
			return &model.FieldError{Field: q.ID, Code: CodeRequired, Message: "This question is required"}, ""
		}
		return nil, ""
	}

	if is := checkFormat(q, v); is != nil {
		return &model.FieldError{Field: q.ID, Code: is.code, Message: is.message}, ""
	}
	if is := checkBounds(q, v); is != nil {
		return &model.FieldError{Field: q.ID, Code: is.code, Message: is.message}, ""
	}

	if q.MaxLength != nil {
		if s, ok := v.(string); ok && utf8.RuneCountInString(s) > *q.MaxLength {
			return nil, fmt.Sprintf("Answer is longer than %d characters", *q.MaxLength)
		}
	}
	return nil, ""
}

func checkFormat(q model.Question, v any) *issue {
	kind := q.ValidationType
	if kind == "" && (q.ResponseType == model.ResponseEmail || q.ResponseType == model.ResponsePhone) {
		kind = q.ResponseType
	}
	switch kind {
	case model.ValidationEmail:
		s, ok := v.(string)
		if !ok || validate.Var(s, "required,email") != nil {
			return &issue{CodeEmail, "Enter a valid email address"}
		}
	case model.ValidationPhone:
		s, ok := v.(string)
		if !ok || !validPhone(s) {
			return &issue{CodePhone, "Enter a valid phone number"}
		}
	}
	return nil
}

func validPhone(s string) bool {
	if !phonePattern.MatchString(s) {
		return false
	}
	digits := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	return digits >= minPhoneDigits
}

func checkBounds(q model.Question, v any) *issue {
	if !q.IsNumeric() || (q.Min == nil && q.Max == nil) {
		return nil
	}
	n, ok := asFloat(v)
	if !ok {
		return &issue{CodeNumber, "Enter a number"}
	}
	if q.Min != nil && n < *q.Min {
		return &issue{CodeMin, "Must be at least " + formatNumber(*q.Min)}
	}
	if q.Max != nil && n > *q.Max {
		return &issue{CodeMax, "Must be at most " + formatNumber(*q.Max)}
	}
	return nil
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// ValidateSection checks the visible questions of section i and replaces
// that section's errors and warnings. It reports whether the section is
// valid.
func (e *Engine) ValidateSection(i int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.validateSectionLocked(i)) == 0
}

// ValidateAll checks every section and returns the field errors found.
func (e *Engine) ValidateAll() []model.FieldError {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.validateAllLocked()
}

func (e *Engine) validateAllLocked() []model.FieldError {
	var all []model.FieldError
	for i := range e.def.Sections {
		all = append(all, e.validateSectionLocked(i)...)
	}
	return all
}

func (e *Engine) validateSectionLocked(i int) []model.FieldError {
	if i < 0 || i >= len(e.def.Sections) {
		return nil
	}
	for _, q := range e.def.SectionQuestions(e.def.Sections[i].ID) {
		delete(e.state.Errors, q.ID)
		delete(e.state.Warnings, q.ID)
	}

	var errs []model.FieldError
	for _, q := range e.visibleQuestionsLocked(i) {
		fe, warning := CheckAnswer(q, e.responses[q.ID])
		if fe != nil {
			e.state.Errors[q.ID] = fe.Message
			errs = append(errs, *fe)
		}
		if warning != "" {
			e.state.Warnings[q.ID] = warning
		}
	}
	if len(errs) > 0 {
		e.metrics.RecordValidationFailure(e.state.SurveyType)
	}
	return errs
}
