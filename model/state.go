package model

// ViewMode is the lifecycle state of a survey engine.
type ViewMode string

// View modes.
const (
	ViewLoading   ViewMode = "loading"
	ViewEdit      ViewMode = "edit"
	ViewReview    ViewMode = "review"
	ViewCompleted ViewMode = "completed"
)

// SaveStatus is the autosave indicator.
type SaveStatus string

// Save statuses.
const (
	SaveIdle   SaveStatus = "idle"
	SaveSaving SaveStatus = "saving"
	SaveSaved  SaveStatus = "saved"
	SaveError  SaveStatus = "error"
)

// SurveyState is the observable state of one engine instance.
type SurveyState struct {
	SurveyType           string            `json:"survey_type"`
	ClientID             string            `json:"client_id"`
	ViewMode             ViewMode          `json:"view_mode"`
	CurrentSectionIndex  int               `json:"current_section_index"`
	CurrentQuestionIndex int               `json:"current_question_index"`
	FurthestSectionIndex int               `json:"furthest_section_index"`
	Errors               map[string]string `json:"errors"`
	Warnings             map[string]string `json:"warnings"`
	SaveStatus           SaveStatus        `json:"save_status"`
	Notice               string            `json:"notice,omitempty"`
	DraftAvailable       bool              `json:"draft_available"`
}

// Clone returns a copy with independent maps.
func (s SurveyState) Clone() SurveyState {
	out := s
	out.Errors = make(map[string]string, len(s.Errors))
	for k, v := range s.Errors {
		out.Errors[k] = v
	}
	out.Warnings = make(map[string]string, len(s.Warnings))
	for k, v := range s.Warnings {
		out.Warnings[k] = v
	}
	return out
}

// ReviewSection is one section of the read-only review listing.
type ReviewSection struct {
	SectionID string       `json:"section_id"`
	Title     string       `json:"title"`
	Items     []ReviewItem `json:"items"`
}

// ReviewItem is one visible question with its answer.
type ReviewItem struct {
	QuestionID string `json:"question_id"`
	Text       string `json:"text"`
	Answer     any    `json:"answer"`
}
