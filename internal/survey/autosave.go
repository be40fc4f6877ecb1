package survey

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/surveysync/internal/normalize"
	"github.com/pitabwire/surveysync/model"
)

// Autosave results recorded in metrics.
const (
	resultSaved   = "saved"
	resultQueued  = "queued"
	resultError   = "error"
	resultAborted = "aborted"
)

// SetResponse records an answer, persists the draft and schedules a remote
// save after the autosave delay. Each call restarts the delay, so a burst of
// answers produces a single save carrying the latest state.
func (e *Engine) SetResponse(ctx context.Context, questionID string, value any) error {
	e.draftMu.Lock()
	defer e.draftMu.Unlock()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return model.NewAbortedError()
	}
	if e.state.ViewMode != model.ViewEdit || e.state.DraftAvailable {
		e.mu.Unlock()
		return model.NewInvalidTransitionError(fmt.Sprintf("answers cannot be changed in %s mode", e.state.ViewMode))
	}
	q, ok := e.def.Question(questionID)
	if !ok {
		e.mu.Unlock()
		return model.NewBadRequestError(fmt.Sprintf("unknown question %q", questionID))
	}
	e.responses[questionID] = normalize.Coerce(q, cloneAnswer(value))
	delete(e.state.Errors, questionID)
	draft := e.draftLocked()
	surveyType, clientID := e.state.SurveyType, e.state.ClientID
	e.mu.Unlock()

	e.autosave.Schedule(e.autosaveNow, e.timings.Delay)

	if err := e.drafts.SaveDraft(ctx, surveyType, clientID, draft); err != nil {
		e.logger.Warn("draft save failed",
			zap.String("survey_type", surveyType),
			zap.String("client_id", clientID),
			zap.Error(err),
		)
		return fmt.Errorf("survey: save draft: %w", err)
	}
	return nil
}

func (e *Engine) draftLocked() model.Draft {
	return model.Draft{
		Responses:     e.responses.Clone(),
		SectionIndex:  e.state.CurrentSectionIndex,
		QuestionIndex: e.state.CurrentQuestionIndex,
		Timestamp:     e.now(),
	}
}

// persistDraft stores the current answers and position. Failures are logged.
func (e *Engine) persistDraft(ctx context.Context) {
	e.draftMu.Lock()
	defer e.draftMu.Unlock()

	e.mu.Lock()
	if e.state.DraftAvailable || (e.state.ViewMode != model.ViewEdit && e.state.ViewMode != model.ViewReview) {
		e.mu.Unlock()
		return
	}
	draft := e.draftLocked()
	surveyType, clientID := e.state.SurveyType, e.state.ClientID
	e.mu.Unlock()

	if err := e.drafts.SaveDraft(ctx, surveyType, clientID, draft); err != nil {
		e.logger.Warn("draft save failed", zap.String("survey_type", surveyType), zap.Error(err))
	}
}

// autosaveNow runs one debounced save.
func (e *Engine) autosaveNow() {
	e.mu.Lock()
	if e.closed || (e.state.ViewMode != model.ViewEdit && e.state.ViewMode != model.ViewReview) {
		e.mu.Unlock()
		return
	}
	session := e.session
	prev := e.state.SaveStatus
	surveyType := e.state.SurveyType
	e.state.SaveStatus = model.SaveSaving
	e.mu.Unlock()
	e.revert.Cancel()

	_, err := e.saveCurrent(e.bgCtx, nil)
	result := e.finishSave(session, prev, err)
	e.metrics.RecordAutosave(surveyType, result)
}

// saveCurrent saves the current answers through the conflict flow. mutate
// adjusts the payload before it is sent.
func (e *Engine) saveCurrent(ctx context.Context, mutate func(*model.SavePayload)) (model.SavePayload, error) {
	e.saveMu.Lock()
	defer e.saveMu.Unlock()

	e.mu.Lock()
	session := e.session
	progress := ComputeProgress(e.def, e.responses)
	payload := model.SavePayload{
		ClientID:   e.state.ClientID,
		SurveyType: e.state.SurveyType,
		ResponseRecord: model.ResponseRecord{
			Responses: e.responses.Clone(),
			Progress:  &progress,
			Version:   e.version + 1,
		},
		ClientTimestamp: e.now(),
	}
	e.mu.Unlock()
	if mutate != nil {
		mutate(&payload)
	}

	fetch := func(ctx context.Context) (model.ResponseRecord, error) {
		return e.store.FetchLatest(ctx, payload.SurveyType, payload.ClientID)
	}
	accepted, err := e.resolver.Save(ctx, payload, e.store.SaveResponses, fetch)
	if err == nil {
		e.adopt(session, payload, accepted)
	}
	return accepted, err
}

// adopt takes the accepted version and any answers that only the server
// had. Answers changed locally since the payload was built are kept.
func (e *Engine) adopt(session uint64, sent, accepted model.SavePayload) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if session != e.session {
		return
	}
	if accepted.Version > e.version {
		e.version = accepted.Version
	}
	for id, v := range accepted.Responses.Clone() {
		if _, ok := sent.Responses[id]; ok {
			continue
		}
		if _, ok := e.responses[id]; !ok {
			e.responses[id] = v
		}
	}
}

// finishSave applies a save outcome to the save status and notice and
// returns the metrics result label.
func (e *Engine) finishSave(session uint64, prev model.SaveStatus, err error) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if session != e.session || e.closed {
		return resultAborted
	}

	switch {
	case err == nil:
		e.state.SaveStatus = model.SaveSaved
		if e.state.Notice == OfflineNotice {
			e.state.Notice = ""
		}
		e.scheduleRevertLocked(model.SaveSaved, e.timings.SavedRevert)
		return resultSaved
	case model.IsCode(err, model.ErrQueuedOffline):
		e.state.SaveStatus = model.SaveIdle
		e.state.Notice = OfflineNotice
		return resultQueued
	case model.IsAborted(err):
		e.state.SaveStatus = prev
		return resultAborted
	default:
		e.state.SaveStatus = model.SaveError
		e.state.Notice = noticeFor(err)
		e.scheduleRevertLocked(model.SaveError, e.timings.ErrorRevert)
		e.logger.Warn("autosave failed",
			zap.String("survey_type", e.state.SurveyType),
			zap.String("client_id", e.state.ClientID),
			zap.String("code", model.CodeOf(err)),
			zap.Error(err),
		)
		return resultError
	}
}

// scheduleRevertLocked returns the save status to idle after d unless it
// changed in the meantime.
func (e *Engine) scheduleRevertLocked(from model.SaveStatus, d time.Duration) {
	session := e.session
	e.revert.Schedule(func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if session == e.session && e.state.SaveStatus == from {
			e.state.SaveStatus = model.SaveIdle
		}
	}, d)
}
