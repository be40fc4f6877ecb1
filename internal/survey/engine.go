// Package survey implements the interactive survey engine: loading, answer
// mutation with debounced autosave, visibility, validation, navigation,
// review and submission.
package survey

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/surveysync/internal/auth"
	"github.com/pitabwire/surveysync/internal/clock"
	"github.com/pitabwire/surveysync/internal/config"
	"github.com/pitabwire/surveysync/internal/conflict"
	"github.com/pitabwire/surveysync/internal/normalize"
	"github.com/pitabwire/surveysync/internal/observability"
	"github.com/pitabwire/surveysync/internal/storage"
	"github.com/pitabwire/surveysync/model"
)

// DefinitionProvider returns survey definitions.
type DefinitionProvider interface {
	GetDefinition(ctx context.Context, surveyType string) (model.SurveyDefinition, error)
}

// ResponseStore is the remote side of the engine. Records are returned
// normalized.
type ResponseStore interface {
	GetResponses(ctx context.Context, surveyType, clientID string) (model.ResponseRecord, error)
	FetchLatest(ctx context.Context, surveyType, clientID string) (model.ResponseRecord, error)
	SaveResponses(ctx context.Context, payload model.SavePayload) error
	CompleteSurvey(ctx context.Context, c model.Completion) error
}

// Deps are the collaborators of an Engine.
type Deps struct {
	Definitions DefinitionProvider
	Responses   ResponseStore
	Drafts      storage.DraftStore
	Credentials *auth.Credentials
	Resolver    *conflict.Resolver
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock driving autosave and status timers.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithTimings sets the autosave delay and status revert delays.
func WithTimings(t config.AutosaveConfig) Option {
	return func(e *Engine) { e.timings = t }
}

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// Engine drives one survey for one client at a time. All methods are safe
// for concurrent use.
type Engine struct {
	defs     DefinitionProvider
	store    ResponseStore
	drafts   storage.DraftStore
	creds    *auth.Credentials
	resolver *conflict.Resolver
	clock    clock.Clock
	timings  config.AutosaveConfig
	logger   *zap.Logger
	metrics  *observability.Metrics

	autosave *clock.Scheduler
	revert   *clock.Scheduler

	bgCtx    context.Context
	bgCancel context.CancelFunc

	// saveMu serializes remote saves. It is never acquired while mu is held.
	saveMu sync.Mutex
	// draftMu orders draft writes so the last mutation is persisted last.
	draftMu sync.Mutex

	mu         sync.Mutex
	state      model.SurveyState
	def        model.SurveyDefinition
	responses  model.ResponseSet
	version    int
	draft      *model.Draft
	session    uint64
	cancelLoad context.CancelFunc
	submitting bool
	closed     bool
}

// NewEngine builds an Engine. A nil Drafts store keeps drafts in memory and
// a nil Resolver uses the engine's logger and metrics.
func NewEngine(deps Deps, opts ...Option) *Engine {
	e := &Engine{
		defs:     deps.Definitions,
		store:    deps.Responses,
		drafts:   deps.Drafts,
		creds:    deps.Credentials,
		resolver: deps.Resolver,
		clock:    clock.Real(),
		timings:  config.Defaults().Autosave,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.drafts == nil {
		e.drafts = storage.NewMemoryStore()
	}
	if e.resolver == nil {
		e.resolver = conflict.NewResolver(conflict.WithLogger(e.logger), conflict.WithMetrics(e.metrics))
	}
	e.autosave = clock.NewScheduler(e.clock)
	e.revert = clock.NewScheduler(e.clock)
	e.bgCtx, e.bgCancel = context.WithCancel(context.Background())
	e.state = emptyState("", "")
	e.responses = model.ResponseSet{}
	return e
}

func emptyState(surveyType, clientID string) model.SurveyState {
	return model.SurveyState{
		SurveyType: surveyType,
		ClientID:   clientID,
		ViewMode:   model.ViewLoading,
		Errors:     map[string]string{},
		Warnings:   map[string]string{},
		SaveStatus: model.SaveIdle,
	}
}

// Open loads surveyType for clientID, replacing whatever the engine held.
// A load superseded by a later Open returns ABORTED and leaves no trace.
func (e *Engine) Open(ctx context.Context, surveyType, clientID string) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return model.NewAbortedError()
	}
	if e.cancelLoad != nil {
		e.cancelLoad()
	}
	loadCtx, cancel := context.WithCancel(ctx)
	e.session++
	session := e.session
	e.cancelLoad = cancel
	e.state = emptyState(surveyType, clientID)
	e.def = model.SurveyDefinition{}
	e.responses = model.ResponseSet{}
	e.version = 0
	e.draft = nil
	e.submitting = false
	e.mu.Unlock()
	defer cancel()

	e.autosave.Cancel()
	e.revert.Cancel()

	log := e.logger.With(zap.String("survey_type", surveyType), zap.String("client_id", clientID))

	def, err := e.defs.GetDefinition(loadCtx, surveyType)
	if err != nil {
		return e.failLoad(loadCtx, session, err)
	}
	def.SortSections()

	draft, ok, err := e.drafts.LoadDraft(loadCtx, surveyType, clientID)
	if err != nil {
		log.Warn("draft lookup failed, loading remote responses", zap.Error(err))
		ok = false
	}
	if ok {
		e.mu.Lock()
		defer e.mu.Unlock()
		if session != e.session {
			return model.NewAbortedError()
		}
		e.def = def
		e.draft = &draft
		e.state.DraftAvailable = true
		e.state.ViewMode = model.ViewEdit
		log.Debug("draft available", zap.Time("draft_timestamp", draft.Timestamp))
		return nil
	}

	rec, err := e.fetchRecord(loadCtx, surveyType, clientID)
	if err != nil {
		return e.failLoad(loadCtx, session, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if session != e.session {
		return model.NewAbortedError()
	}
	e.def = def
	e.applyRecordLocked(rec)
	log.Debug("survey loaded",
		zap.Int("version", rec.Version),
		zap.Int("responses", len(rec.Responses)),
		zap.String("view_mode", string(e.state.ViewMode)),
	)
	return nil
}

func (e *Engine) fetchRecord(ctx context.Context, surveyType, clientID string) (model.ResponseRecord, error) {
	rec, err := e.store.GetResponses(ctx, surveyType, clientID)
	if model.IsCode(err, model.ErrNotFound) {
		return model.ResponseRecord{Responses: model.ResponseSet{}}, nil
	}
	return rec, err
}

func (e *Engine) applyRecordLocked(rec model.ResponseRecord) {
	e.responses = coerceAll(e.def, rec.Responses)
	e.version = rec.Version
	e.state.DraftAvailable = false
	e.draft = nil
	if rec.Completed {
		e.state.ViewMode = model.ViewCompleted
		return
	}
	e.state.ViewMode = model.ViewEdit
	e.state.CurrentSectionIndex = 0
	e.state.CurrentQuestionIndex = 0
	e.state.FurthestSectionIndex = 0
}

// failLoad reports a load failure. Cancelled or superseded loads leave the
// state untouched.
func (e *Engine) failLoad(ctx context.Context, session uint64, err error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if session != e.session || ctx.Err() != nil || model.IsAborted(err) {
		return model.NewAbortedError()
	}
	e.state.Notice = noticeFor(err)
	e.logger.Warn("survey load failed",
		zap.String("survey_type", e.state.SurveyType),
		zap.String("client_id", e.state.ClientID),
		zap.Error(err),
	)
	return err
}

// ResumeDraft adopts the locally stored draft offered by Open.
func (e *Engine) ResumeDraft() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.draft == nil || !e.state.DraftAvailable {
		return model.NewInvalidTransitionError("no draft to resume")
	}
	d := *e.draft
	e.responses = coerceAll(e.def, d.Responses)
	e.draft = nil
	e.state.DraftAvailable = false
	e.state.ViewMode = model.ViewEdit
	last := len(e.def.Sections) - 1
	e.state.CurrentSectionIndex = clamp(d.SectionIndex, 0, max(last, 0))
	e.state.FurthestSectionIndex = e.state.CurrentSectionIndex
	visible := e.visibleQuestionsLocked(e.state.CurrentSectionIndex)
	e.state.CurrentQuestionIndex = clamp(d.QuestionIndex, 0, max(len(visible)-1, 0))
	return nil
}

// DiscardDraft deletes the offered draft and loads the remote responses.
func (e *Engine) DiscardDraft(ctx context.Context) error {
	e.mu.Lock()
	if e.draft == nil || !e.state.DraftAvailable {
		e.mu.Unlock()
		return model.NewInvalidTransitionError("no draft to discard")
	}
	session := e.session
	surveyType, clientID := e.state.SurveyType, e.state.ClientID
	e.mu.Unlock()

	if err := e.drafts.DeleteDraft(ctx, surveyType, clientID); err != nil {
		return err
	}
	rec, err := e.fetchRecord(ctx, surveyType, clientID)
	if err != nil {
		return e.failLoad(ctx, session, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if session != e.session {
		return model.NewAbortedError()
	}
	e.applyRecordLocked(rec)
	return nil
}

// State returns a snapshot of the engine state.
func (e *Engine) State() model.SurveyState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Clone()
}

// Responses returns a copy of the current answers.
func (e *Engine) Responses() model.ResponseSet {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.responses.Clone()
}

// Version returns the last record version known to the engine.
func (e *Engine) Version() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.version
}

// Definition returns the loaded definition with sections in display order.
func (e *Engine) Definition() model.SurveyDefinition {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.def
}

// Progress computes the completion summary over visible questions.
func (e *Engine) Progress() model.Progress {
	e.mu.Lock()
	defer e.mu.Unlock()
	return ComputeProgress(e.def, e.responses)
}

// Close cancels timers and any in-flight load. Pending autosaves are
// dropped; the draft already holds every mutation.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	if e.cancelLoad != nil {
		e.cancelLoad()
	}
	e.mu.Unlock()

	e.autosave.Cancel()
	e.revert.Cancel()
	e.bgCancel()
}

func coerceAll(def model.SurveyDefinition, rs model.ResponseSet) model.ResponseSet {
	out := make(model.ResponseSet, len(rs))
	for id, v := range rs {
		if q, ok := def.Question(id); ok {
			out[id] = normalize.Coerce(q, v)
			continue
		}
		out[id] = v
	}
	return out.Clone()
}

// cloneAnswer deep-copies a single answer value.
func cloneAnswer(v any) any {
	return model.ResponseSet{"": v}.Clone()[""]
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (e *Engine) now() time.Time {
	return e.clock.Now().UTC()
}
