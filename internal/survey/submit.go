package survey

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/surveysync/internal/observability"
	"github.com/pitabwire/surveysync/model"
)

// Submission results recorded in metrics.
const (
	submitCompleted        = "completed"
	submitValidationFailed = "validation_failed"
	submitQueued           = "queued"
	submitFailed           = "failed"
)

// Submit validates every section, saves the final answers as completed,
// records the completion and enters the completed view. A failed validation
// makes no network call. A save that could only be queued keeps the draft
// and returns QUEUED_OFFLINE.
func (e *Engine) Submit(ctx context.Context) (err error) {
	ctx, span := observability.StartSyncSpan(ctx, "survey.submit")
	defer func() { observability.FinishSpan(span, err) }()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return model.NewAbortedError()
	}
	if e.submitting {
		e.mu.Unlock()
		return model.NewInvalidTransitionError("a submission is already in progress")
	}
	if mode := e.state.ViewMode; mode != model.ViewEdit && mode != model.ViewReview {
		e.mu.Unlock()
		return model.NewInvalidTransitionError(fmt.Sprintf("cannot submit in %s mode", mode))
	}
	if e.state.DraftAvailable {
		e.mu.Unlock()
		return model.NewInvalidTransitionError("resume or discard the draft first")
	}
	surveyType, clientID := e.state.SurveyType, e.state.ClientID
	if errs := e.validateAllLocked(); len(errs) > 0 {
		e.mu.Unlock()
		e.metrics.RecordSubmission(surveyType, submitValidationFailed)
		return model.NewValidationError(errs)
	}
	e.submitting = true
	session := e.session
	prev := e.state.SaveStatus
	e.state.SaveStatus = model.SaveSaving
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		if session == e.session {
			e.submitting = false
		}
		e.mu.Unlock()
	}()

	e.autosave.Cancel()
	e.revert.Cancel()

	completedAt := e.now()
	accepted, err := e.saveCurrent(ctx, func(p *model.SavePayload) {
		p.Completed = true
		p.CompletedAt = &completedAt
	})
	if err != nil {
		e.failSubmit(session, prev, err)
		return err
	}

	completion := model.Completion{
		ClientID:    clientID,
		SurveyType:  surveyType,
		UserID:      e.creds.Subject(),
		CompletedAt: completedAt,
	}
	if err = e.store.CompleteSurvey(ctx, completion); err != nil {
		e.failSubmit(session, prev, err)
		return err
	}

	if derr := e.drafts.DeleteDraft(ctx, surveyType, clientID); derr != nil {
		e.logger.Warn("draft delete failed after submit",
			zap.String("survey_type", surveyType),
			zap.String("client_id", clientID),
			zap.Error(derr),
		)
	}

	e.mu.Lock()
	if session == e.session {
		e.state.ViewMode = model.ViewCompleted
		e.state.SaveStatus = model.SaveSaved
		e.state.Notice = ""
		if accepted.Version > e.version {
			e.version = accepted.Version
		}
		e.scheduleRevertLocked(model.SaveSaved, e.timings.SavedRevert)
	}
	e.mu.Unlock()

	e.metrics.RecordSubmission(surveyType, submitCompleted)
	e.logger.Info("survey submitted",
		zap.String("survey_type", surveyType),
		zap.String("client_id", clientID),
		zap.Int("version", accepted.Version),
	)
	return nil
}

func (e *Engine) failSubmit(session uint64, prev model.SaveStatus, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if session != e.session {
		return
	}
	result := submitFailed
	switch {
	case model.IsCode(err, model.ErrQueuedOffline):
		e.state.SaveStatus = model.SaveIdle
		e.state.Notice = OfflineSubmitNotice
		result = submitQueued
	case model.IsAborted(err):
		e.state.SaveStatus = prev
		return
	default:
		e.state.SaveStatus = model.SaveError
		e.state.Notice = noticeFor(err)
		e.scheduleRevertLocked(model.SaveError, e.timings.ErrorRevert)
	}
	e.metrics.RecordSubmission(e.state.SurveyType, result)
}

// SaveAndExit saves the current answers once, without validation, and
// closes the engine. An outcome that was queued for later delivery is not
// an error. The draft is kept either way.
func (e *Engine) SaveAndExit(ctx context.Context) error {
	defer e.Close()

	e.mu.Lock()
	mode, closed, pending := e.state.ViewMode, e.closed, e.state.DraftAvailable
	e.mu.Unlock()
	if closed || pending || (mode != model.ViewEdit && mode != model.ViewReview) {
		return nil
	}

	e.autosave.Cancel()
	e.persistDraft(ctx)

	start := time.Now()
	_, err := e.saveCurrent(ctx, nil)
	if err == nil || model.IsCode(err, model.ErrQueuedOffline) {
		e.logger.Debug("saved on exit", zap.Duration("duration", time.Since(start)), zap.Error(err))
		return nil
	}
	return err
}
