package model

import "sort"

// Response types a question may declare.
const (
	ResponseShortText    = "short_text"
	ResponseLongText     = "long_text"
	ResponseSingleSelect = "single_select"
	ResponseMultiSelect  = "multi_select"
	ResponseNumber       = "number"
	ResponseDate         = "date"
	ResponseEmail        = "email"
	ResponsePhone        = "phone"
	ResponseRating       = "rating"
	ResponseFile         = "file"
	ResponseDropdown     = "dropdown"
)

// Validation types a question may declare in addition to its response type.
const (
	ValidationEmail = "email"
	ValidationPhone = "phone"
)

// ValidResponseTypes lists every supported response type.
var ValidResponseTypes = map[string]bool{
	ResponseShortText:    true,
	ResponseLongText:     true,
	ResponseSingleSelect: true,
	ResponseMultiSelect:  true,
	ResponseNumber:       true,
	ResponseDate:         true,
	ResponseEmail:        true,
	ResponsePhone:        true,
	ResponseRating:       true,
	ResponseFile:         true,
	ResponseDropdown:     true,
}

// SurveyDefinition is the immutable structure of one survey type. The
// definition file and the remote definition payload share this shape.
type SurveyDefinition struct {
	SurveyType string     `yaml:"survey_type" json:"survey_type"`
	Title      string     `yaml:"title"       json:"title,omitempty"`
	Sections   []Section  `yaml:"sections"    json:"sections"`
	Questions  []Question `yaml:"questions"   json:"questions"`

	// Checksum is computed at load time for local definitions.
	Checksum string `yaml:"-" json:"-"`
	// SourceFile records the originating file path of a local definition.
	SourceFile string `yaml:"-" json:"-"`
}

// Section is an ordered grouping of questions.
type Section struct {
	ID          string `yaml:"id"          json:"id"`
	Title       string `yaml:"title"       json:"title"`
	Description string `yaml:"description" json:"description,omitempty"`
	Order       int    `yaml:"order"       json:"order"`
}

// Question is a single prompt within a section.
type Question struct {
	ID             string      `yaml:"id"              json:"id"`
	SectionID      string      `yaml:"section_id"      json:"section_id"`
	Text           string      `yaml:"text"            json:"text"`
	ResponseType   string      `yaml:"response_type"   json:"response_type"`
	Options        []Option    `yaml:"options"         json:"options,omitempty"`
	Required       bool        `yaml:"required"        json:"required"`
	Min            *float64    `yaml:"min"             json:"min,omitempty"`
	Max            *float64    `yaml:"max"             json:"max,omitempty"`
	MaxLength      *int        `yaml:"max_length"      json:"max_length,omitempty"`
	ValidationType string      `yaml:"validation_type" json:"validation_type,omitempty"`
	DependsOn      *Dependency `yaml:"depends_on"      json:"depends_on,omitempty"`
}

// Option is a selectable choice.
type Option struct {
	Label string `yaml:"label" json:"label"`
	Value string `yaml:"value" json:"value"`
}

// Dependency makes a question visible only when another question's answer
// matches Value. A nil Value matches any non-empty answer.
type Dependency struct {
	QuestionID string `yaml:"question_id" json:"question_id"`
	Value      any    `yaml:"value"       json:"value,omitempty"`
}

// SortSections orders sections by Order, keeping declaration order for ties.
func (d *SurveyDefinition) SortSections() {
	sort.SliceStable(d.Sections, func(i, j int) bool {
		return d.Sections[i].Order < d.Sections[j].Order
	})
}

// SectionQuestions returns the questions of a section in declaration order.
func (d SurveyDefinition) SectionQuestions(sectionID string) []Question {
	var out []Question
	for _, q := range d.Questions {
		if q.SectionID == sectionID {
			out = append(out, q)
		}
	}
	return out
}

// Question looks up a question by id.
func (d SurveyDefinition) Question(id string) (Question, bool) {
	for _, q := range d.Questions {
		if q.ID == id {
			return q, true
		}
	}
	return Question{}, false
}

// IsMultiValued reports whether the question stores an array.
func (q Question) IsMultiValued() bool {
	return q.ResponseType == ResponseMultiSelect
}

// IsNumeric reports whether min/max bounds apply to the question.
func (q Question) IsNumeric() bool {
	return q.ResponseType == ResponseNumber || q.ResponseType == ResponseRating
}
