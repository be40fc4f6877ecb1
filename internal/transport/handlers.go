package transport

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/surveysync/internal/definition"
	"github.com/pitabwire/surveysync/internal/observability"
	"github.com/pitabwire/surveysync/internal/offline"
	"github.com/pitabwire/surveysync/model"
)

type queueEntry struct {
	QueueKey       string    `json:"queue_key"`
	ClientID       string    `json:"client_id"`
	SurveyType     string    `json:"survey_type"`
	Seq            int64     `json:"seq"`
	Version        int       `json:"version"`
	Completed      bool      `json:"completed"`
	IdempotencyKey string    `json:"idempotency_key"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
}

type queueListing struct {
	Depth   int          `json:"depth"`
	Entries []queueEntry `json:"entries"`
}

type definitionSummary struct {
	SurveyType string `json:"survey_type"`
	Title      string `json:"title,omitempty"`
	Sections   int    `json:"sections"`
	Questions  int    `json:"questions"`
	Checksum   string `json:"checksum,omitempty"`
	SourceFile string `json:"source_file,omitempty"`
}

func notConfigured(w http.ResponseWriter, what string) {
	WriteError(w, &model.ErrorEnvelope{
		Code:    model.ErrBackendUnavailable,
		Message: what + " is not configured",
	})
}

func handleListQueue(q *offline.Queue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if q == nil {
			notConfigured(w, "offline queue")
			return
		}
		pending, err := q.Pending(r.Context())
		if err != nil {
			observability.LoggerFrom(r.Context(), zap.NewNop()).Error("list queue failed", zap.Error(err))
			writeRequestError(w, r, err)
			return
		}
		out := queueListing{Depth: len(pending), Entries: make([]queueEntry, 0, len(pending))}
		for _, e := range pending {
			out.Entries = append(out.Entries, queueEntry{
				QueueKey:       e.QueueKey(),
				ClientID:       e.ClientID,
				SurveyType:     e.SurveyType,
				Seq:            e.Seq,
				Version:        e.Payload.Version,
				Completed:      e.Payload.Completed,
				IdempotencyKey: e.IdempotencyKey,
				EnqueuedAt:     e.EnqueuedAt,
			})
		}
		WriteJSON(w, http.StatusOK, out)
	}
}

func handleReplayQueue(q *offline.Queue, sender offline.Sender) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if q == nil || sender == nil {
			notConfigured(w, "offline replay")
			return
		}
		report, err := q.ReplayAll(r.Context(), sender)
		if err != nil {
			observability.LoggerFrom(r.Context(), zap.NewNop()).Warn("replay request failed", zap.Error(err))
			writeRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, report)
	}
}

func handleListDefinitions(reg *definition.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		out := []definitionSummary{}
		checksum := ""
		if reg != nil {
			checksum = reg.Checksum()
			for _, d := range reg.All() {
				out = append(out, definitionSummary{
					SurveyType: d.SurveyType,
					Title:      d.Title,
					Sections:   len(d.Sections),
					Questions:  len(d.Questions),
					Checksum:   d.Checksum,
					SourceFile: d.SourceFile,
				})
			}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"definitions": out, "checksum": checksum})
	}
}

func handleGetDefinition(p definition.Provider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if p == nil {
			notConfigured(w, "definition provider")
			return
		}
		def, err := p.GetDefinition(r.Context(), chi.URLParam(r, "surveyType"))
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, def)
	}
}

func handleStatus(s StatusFetcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s == nil {
			notConfigured(w, "status lookup")
			return
		}
		rec, err := s.Status(r.Context(), chi.URLParam(r, "clientId"), chi.URLParam(r, "surveyType"))
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, rec)
	}
}
