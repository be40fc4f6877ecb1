package model

import (
	"strings"
	"time"
)

// ResponseSet maps a question id to its answer. Values are string, []any,
// float64, bool, a file map ({file, size, type}), or nil.
type ResponseSet map[string]any

// Clone returns a deep copy of the set.
func (rs ResponseSet) Clone() ResponseSet {
	if rs == nil {
		return ResponseSet{}
	}
	out := make(ResponseSet, len(rs))
	for k, v := range rs {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case []any:
		c := make([]any, len(t))
		for i := range t {
			c[i] = cloneValue(t[i])
		}
		return c
	case []string:
		c := make([]any, len(t))
		for i := range t {
			c[i] = t[i]
		}
		return c
	case map[string]any:
		c := make(map[string]any, len(t))
		for k, e := range t {
			c[k] = cloneValue(e)
		}
		return c
	default:
		return v
	}
}

// IsEmptyValue reports whether an answer counts as unanswered.
func IsEmptyValue(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	case []string:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}

// Progress is the derived completion summary of a response set.
type Progress struct {
	Answered         int `json:"answered"`
	Total            int `json:"total"`
	RequiredAnswered int `json:"required_answered"`
	RequiredTotal    int `json:"required_total"`
	Percentage       int `json:"percentage"`
}

// ResponseRecord is the normalized remote record for one (client, survey type).
type ResponseRecord struct {
	Responses   ResponseSet `json:"responses"`
	Progress    *Progress   `json:"progress,omitempty"`
	Version     int         `json:"version"`
	Completed   bool        `json:"completed,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

// SavePayload is the body of a response save.
type SavePayload struct {
	ClientID   string `json:"client_id"`
	SurveyType string `json:"survey_type"`
	ResponseRecord
	ClientTimestamp time.Time `json:"client_timestamp"`
}

// Completion is the body of the completion-recording call.
type Completion struct {
	ClientID    string    `json:"client_id"`
	SurveyType  string    `json:"survey_type"`
	UserID      string    `json:"user_id"`
	CompletedAt time.Time `json:"completed_at"`
}

// BatchSave is the body of a batch save.
type BatchSave struct {
	Responses []SavePayload `json:"responses"`
}

// StatusRecord is the completion status of one (client, survey type).
type StatusRecord struct {
	ClientID    string     `json:"client_id"`
	SurveyType  string     `json:"survey_type"`
	Completed   bool       `json:"completed"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Progress    *Progress  `json:"progress,omitempty"`
	Version     int        `json:"version"`
}

// FileRef is the stored form of an uploaded file answer.
type FileRef struct {
	File string `json:"file"`
	Size int64  `json:"size"`
	Type string `json:"type"`
}

// Value returns the ResponseSet value form of the reference.
func (f FileRef) Value() map[string]any {
	return map[string]any{"file": f.File, "size": float64(f.Size), "type": f.Type}
}

// Export is a downloaded response export.
type Export struct {
	ContentType string
	Data        []byte
}

// Draft is the locally persisted snapshot of in-progress answers.
type Draft struct {
	Responses     ResponseSet `json:"responses"`
	SectionIndex  int         `json:"section_index"`
	QuestionIndex int         `json:"question_index"`
	Timestamp     time.Time   `json:"timestamp"`
}

// QueuedWrite is a pending save waiting for connectivity. Seq is assigned
// by the queue store and orders replay. UserID is set for a completed
// payload and names the user its completion is recorded for on replay.
type QueuedWrite struct {
	ClientID       string      `json:"client_id"`
	SurveyType     string      `json:"survey_type"`
	Payload        SavePayload `json:"payload"`
	IdempotencyKey string      `json:"idempotency_key"`
	UserID         string      `json:"user_id,omitempty"`
	EnqueuedAt     time.Time   `json:"enqueued_at"`
	Seq            int64       `json:"seq"`
}

// QueueKey returns the deduplication key of the write.
func (w QueuedWrite) QueueKey() string {
	return QueueKey(w.ClientID, w.SurveyType)
}

// QueueKey builds the (client, survey type) deduplication key.
func QueueKey(clientID, surveyType string) string {
	return clientID + "/" + surveyType
}
