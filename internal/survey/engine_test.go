package survey

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pitabwire/surveysync/internal/cache"
	"github.com/pitabwire/surveysync/internal/clock"
	"github.com/pitabwire/surveysync/internal/config"
	"github.com/pitabwire/surveysync/internal/observability"
	"github.com/pitabwire/surveysync/internal/remote"
	"github.com/pitabwire/surveysync/internal/storage"
	"github.com/pitabwire/surveysync/model"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func fptr(f float64) *float64 { return &f }
func iptr(i int) *int         { return &i }

// onboardingSurvey has a dependent question in its second section.
func onboardingSurvey() model.SurveyDefinition {
	return model.SurveyDefinition{
		SurveyType: "onboarding",
		Title:      "Onboarding",
		Sections: []model.Section{
			{ID: "plans", Title: "Plans", Order: 2},
			{ID: "about", Title: "About you", Order: 1},
		},
		Questions: []model.Question{
			{ID: "name", SectionID: "about", Text: "Your name", ResponseType: model.ResponseShortText, Required: true, MaxLength: iptr(10)},
			{ID: "email", SectionID: "about", Text: "Email", ResponseType: model.ResponseShortText, ValidationType: model.ValidationEmail},
			{ID: "has_plan", SectionID: "about", Text: "Do you have a plan?", ResponseType: model.ResponseSingleSelect,
				Options: []model.Option{{Label: "Yes", Value: "yes"}, {Label: "No", Value: "no"}}},
			{ID: "plan", SectionID: "plans", Text: "Describe the plan", ResponseType: model.ResponseLongText, Required: true,
				DependsOn: &model.Dependency{QuestionID: "has_plan", Value: "yes"}},
			{ID: "budget", SectionID: "plans", Text: "Budget", ResponseType: model.ResponseNumber, Min: fptr(0), Max: fptr(1000)},
			{ID: "channels", SectionID: "plans", Text: "Channels", ResponseType: model.ResponseMultiSelect,
				Options: []model.Option{{Label: "Web", Value: "web"}, {Label: "Phone", Value: "phone"}}},
		},
	}
}

// pairSurvey is a single-section survey with two optional text questions.
func pairSurvey() model.SurveyDefinition {
	return model.SurveyDefinition{
		SurveyType: "pair",
		Sections:   []model.Section{{ID: "s1", Title: "Only", Order: 1}},
		Questions: []model.Question{
			{ID: "q1", SectionID: "s1", Text: "First", ResponseType: model.ResponseShortText},
			{ID: "q2", SectionID: "s1", Text: "Second", ResponseType: model.ResponseShortText},
		},
	}
}

type fakeDefinitions struct {
	mu    sync.Mutex
	defs  map[string]model.SurveyDefinition
	calls int
	// hook runs before every lookup with the 1-based call number.
	hook func(ctx context.Context, call int) error
}

func (f *fakeDefinitions) GetDefinition(ctx context.Context, surveyType string) (model.SurveyDefinition, error) {
	f.mu.Lock()
	f.calls++
	call, hook := f.calls, f.hook
	f.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, call); err != nil {
			return model.SurveyDefinition{}, err
		}
	}
	def, ok := f.defs[surveyType]
	if !ok {
		return model.SurveyDefinition{}, model.NewNotFoundError("unknown survey type")
	}
	return def, nil
}

type fakeStore struct {
	mu          sync.Mutex
	record      model.ResponseRecord
	getErr      error
	saveErrs    []error
	completeErr error
	saves       []model.SavePayload
	completions []model.Completion
	fetches     int
}

func (f *fakeStore) GetResponses(_ context.Context, _, _ string) (model.ResponseRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return model.ResponseRecord{}, f.getErr
	}
	rec := f.record
	rec.Responses = f.record.Responses.Clone()
	return rec, nil
}

func (f *fakeStore) FetchLatest(ctx context.Context, surveyType, clientID string) (model.ResponseRecord, error) {
	f.mu.Lock()
	f.fetches++
	f.mu.Unlock()
	return f.GetResponses(ctx, surveyType, clientID)
}

func (f *fakeStore) SaveResponses(_ context.Context, p model.SavePayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p.Responses = p.Responses.Clone()
	f.saves = append(f.saves, p)
	if len(f.saveErrs) > 0 {
		err := f.saveErrs[0]
		f.saveErrs = f.saveErrs[1:]
		if err != nil {
			return err
		}
	}
	f.record = p.ResponseRecord
	f.record.Responses = p.Responses.Clone()
	return nil
}

func (f *fakeStore) CompleteSurvey(_ context.Context, c model.Completion) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completions = append(f.completions, c)
	return f.completeErr
}

func (f *fakeStore) saveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saves)
}

func (f *fakeStore) lastSave() model.SavePayload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saves[len(f.saves)-1]
}

type harness struct {
	clock   *clock.Fake
	defs    *fakeDefinitions
	store   *fakeStore
	drafts  *storage.MemoryStore
	metrics *observability.Metrics
	engine  *Engine
}

func newHarness(t *testing.T, defs ...model.SurveyDefinition) *harness {
	t.Helper()
	h := &harness{
		clock:   clock.NewFake(t0),
		defs:    &fakeDefinitions{defs: map[string]model.SurveyDefinition{}},
		store:   &fakeStore{},
		drafts:  storage.NewMemoryStore(),
		metrics: observability.InitMetrics(prometheus.NewRegistry()),
	}
	for _, d := range defs {
		h.defs.defs[d.SurveyType] = d
	}
	h.engine = NewEngine(Deps{
		Definitions: h.defs,
		Responses:   h.store,
		Drafts:      h.drafts,
	},
		WithClock(h.clock),
		WithTimings(config.AutosaveConfig{Delay: time.Second, SavedRevert: 2 * time.Second, ErrorRevert: 3 * time.Second}),
		WithMetrics(h.metrics),
	)
	t.Cleanup(h.engine.Close)
	return h
}

func (h *harness) open(t *testing.T, surveyType string) {
	t.Helper()
	if err := h.engine.Open(context.Background(), surveyType, "client-1"); err != nil {
		t.Fatalf("Open(%q) error = %v", surveyType, err)
	}
}

func (h *harness) set(t *testing.T, id string, v any) {
	t.Helper()
	if err := h.engine.SetResponse(context.Background(), id, v); err != nil {
		t.Fatalf("SetResponse(%q) error = %v", id, err)
	}
}

func TestOpen_freshSurvey(t *testing.T) {
	fresh := model.SurveyDefinition{
		SurveyType: "fresh",
		Sections: []model.Section{
			{ID: "a", Title: "A", Order: 1},
			{ID: "b", Title: "B", Order: 2},
		},
		Questions: []model.Question{
			{ID: "q1", SectionID: "a", Text: "One", ResponseType: model.ResponseShortText, Required: true},
			{ID: "q2", SectionID: "a", Text: "Two", ResponseType: model.ResponseShortText},
			{ID: "q3", SectionID: "b", Text: "Three", ResponseType: model.ResponseShortText, Required: true},
		},
	}
	h := newHarness(t, fresh)
	h.store.getErr = model.NewNotFoundError("no responses")
	h.open(t, "fresh")

	st := h.engine.State()
	if st.ViewMode != model.ViewEdit {
		t.Errorf("ViewMode = %q, want edit", st.ViewMode)
	}
	if st.CurrentSectionIndex != 0 || st.FurthestSectionIndex != 0 {
		t.Errorf("section = %d/%d, want 0/0", st.CurrentSectionIndex, st.FurthestSectionIndex)
	}
	if st.SaveStatus != model.SaveIdle {
		t.Errorf("SaveStatus = %q, want idle", st.SaveStatus)
	}
	p := h.engine.Progress()
	want := model.Progress{Answered: 0, Total: 3, RequiredAnswered: 0, RequiredTotal: 2, Percentage: 0}
	if p != want {
		t.Errorf("Progress() = %+v, want %+v", p, want)
	}
}

func TestOpen_sortsSectionsAndLoadsResponses(t *testing.T) {
	h := newHarness(t, onboardingSurvey())
	h.store.record = model.ResponseRecord{
		Responses: model.ResponseSet{"name": "Ada", "channels": "web"},
		Version:   4,
	}
	h.open(t, "onboarding")

	def := h.engine.Definition()
	if def.Sections[0].ID != "about" {
		t.Errorf("first section = %q, want about", def.Sections[0].ID)
	}
	if h.engine.Version() != 4 {
		t.Errorf("Version() = %d, want 4", h.engine.Version())
	}
	got := h.engine.Responses()
	if list, ok := got["channels"].([]any); !ok || len(list) != 1 || list[0] != "web" {
		t.Errorf("channels = %#v, want [web]", got["channels"])
	}
}

func TestOpen_completedRecord(t *testing.T) {
	h := newHarness(t, pairSurvey())
	h.store.record = model.ResponseRecord{Responses: model.ResponseSet{"q1": "x"}, Version: 3, Completed: true}
	h.open(t, "pair")

	if st := h.engine.State(); st.ViewMode != model.ViewCompleted {
		t.Errorf("ViewMode = %q, want completed", st.ViewMode)
	}
	if err := h.engine.SetResponse(context.Background(), "q1", "y"); !model.IsCode(err, model.ErrInvalidTransition) {
		t.Errorf("SetResponse() after completion error = %v, want INVALID_TRANSITION", err)
	}
}

func TestOpen_definitionFailure(t *testing.T) {
	h := newHarness(t)
	err := h.engine.Open(context.Background(), "missing", "client-1")
	if !model.IsCode(err, model.ErrNotFound) {
		t.Fatalf("Open() error = %v, want NOT_FOUND", err)
	}
	st := h.engine.State()
	if st.ViewMode != model.ViewLoading {
		t.Errorf("ViewMode = %q, want loading", st.ViewMode)
	}
	if st.Notice == "" {
		t.Error("Notice should describe the failure")
	}
}

func TestOpen_staleLoadDiscarded(t *testing.T) {
	h := newHarness(t, pairSurvey())
	entered := make(chan struct{})
	h.defs.hook = func(ctx context.Context, call int) error {
		if call != 1 {
			return nil
		}
		close(entered)
		<-ctx.Done()
		return model.NewAbortedError()
	}
	h.store.record = model.ResponseRecord{Responses: model.ResponseSet{"q1": "current"}, Version: 1}

	first := make(chan error, 1)
	go func() { first <- h.engine.Open(context.Background(), "pair", "client-old") }()
	<-entered

	h.open(t, "pair")

	if err := <-first; !model.IsAborted(err) {
		t.Errorf("superseded Open() error = %v, want ABORTED", err)
	}
	st := h.engine.State()
	if st.ClientID != "client-1" || st.ViewMode != model.ViewEdit {
		t.Errorf("state = %s/%s, want client-1/edit", st.ClientID, st.ViewMode)
	}
	if st.Notice != "" {
		t.Errorf("Notice = %q, want none from the stale load", st.Notice)
	}
	if got := h.engine.Responses()["q1"]; got != "current" {
		t.Errorf("q1 = %v, want current", got)
	}
}

const pairDefinitionJSON = `{
	"survey_type": "pair",
	"sections": [{"id": "s1", "title": "Only", "order": 1}],
	"questions": [
		{"id": "q1", "section_id": "s1", "text": "First", "response_type": "short_text"},
		{"id": "q2", "section_id": "s1", "text": "Second", "response_type": "short_text"}
	]
}`

// gatedExecutor holds the first definition fetch until release is closed
// and reports ABORTED if its context ends first, the way the invoker does.
type gatedExecutor struct {
	mu          sync.Mutex
	definitions int
	entered     chan struct{}
	release     chan struct{}
}

func (g *gatedExecutor) Execute(ctx context.Context, op model.Operation) (model.Result, error) {
	switch op.Name {
	case "get_definition":
		g.mu.Lock()
		g.definitions++
		first := g.definitions == 1
		g.mu.Unlock()
		if first {
			close(g.entered)
			select {
			case <-g.release:
			case <-ctx.Done():
				return model.Result{}, model.NewAbortedError()
			}
		}
		return model.Result{StatusCode: 200, Body: []byte(pairDefinitionJSON)}, nil
	case "get_responses":
		return model.Result{}, model.NewNotFoundError("no responses yet")
	}
	return model.Result{StatusCode: 200}, nil
}

func TestOpen_reopenSameSurveyWhileDefinitionInFlight(t *testing.T) {
	exec := &gatedExecutor{entered: make(chan struct{}), release: make(chan struct{})}
	client := remote.New(exec, cache.New(time.Minute))
	e := NewEngine(Deps{
		Definitions: client.Definitions(),
		Responses:   client,
		Drafts:      storage.NewMemoryStore(),
	}, WithClock(clock.NewFake(t0)))
	t.Cleanup(e.Close)

	first := make(chan error, 1)
	go func() { first <- e.Open(context.Background(), "pair", "client-old") }()
	<-exec.entered

	second := make(chan error, 1)
	go func() { second <- e.Open(context.Background(), "pair", "client-1") }()

	if err := <-first; !model.IsAborted(err) {
		t.Fatalf("superseded Open() error = %v, want ABORTED", err)
	}
	// Let the second Open join the shared definition fetch before it completes.
	time.Sleep(20 * time.Millisecond)
	close(exec.release)

	if err := <-second; err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	st := e.State()
	if st.ClientID != "client-1" || st.ViewMode != model.ViewEdit {
		t.Errorf("state = %s/%s, want client-1/edit", st.ClientID, st.ViewMode)
	}
	exec.mu.Lock()
	defer exec.mu.Unlock()
	if exec.definitions != 1 {
		t.Errorf("definition fetched %d times, want 1", exec.definitions)
	}
}

func TestDraft_resume(t *testing.T) {
	h := newHarness(t, onboardingSurvey())
	ctx := context.Background()
	err := h.drafts.SaveDraft(ctx, "onboarding", "client-1", model.Draft{
		Responses:     model.ResponseSet{"name": "Grace", "has_plan": "yes"},
		SectionIndex:  1,
		QuestionIndex: 9,
		Timestamp:     t0,
	})
	if err != nil {
		t.Fatalf("SaveDraft() error = %v", err)
	}
	h.store.record = model.ResponseRecord{Responses: model.ResponseSet{"name": "Remote"}, Version: 2}
	h.open(t, "onboarding")

	st := h.engine.State()
	if !st.DraftAvailable || st.ViewMode != model.ViewEdit {
		t.Fatalf("state = %+v, want edit with draft available", st)
	}
	if err := h.engine.SetResponse(ctx, "name", "x"); !model.IsCode(err, model.ErrInvalidTransition) {
		t.Errorf("SetResponse() with pending draft error = %v, want INVALID_TRANSITION", err)
	}

	if err := h.engine.ResumeDraft(); err != nil {
		t.Fatalf("ResumeDraft() error = %v", err)
	}
	st = h.engine.State()
	if st.DraftAvailable {
		t.Error("DraftAvailable should be cleared")
	}
	if st.CurrentSectionIndex != 1 {
		t.Errorf("CurrentSectionIndex = %d, want 1", st.CurrentSectionIndex)
	}
	// Section "plans" shows plan, budget and channels once has_plan is yes.
	if st.CurrentQuestionIndex != 2 {
		t.Errorf("CurrentQuestionIndex = %d, want clamped to 2", st.CurrentQuestionIndex)
	}
	if got := h.engine.Responses()["name"]; got != "Grace" {
		t.Errorf("name = %v, want Grace", got)
	}
	if err := h.engine.ResumeDraft(); !model.IsCode(err, model.ErrInvalidTransition) {
		t.Errorf("second ResumeDraft() error = %v, want INVALID_TRANSITION", err)
	}
}

func TestDraft_discard(t *testing.T) {
	h := newHarness(t, onboardingSurvey())
	ctx := context.Background()
	_ = h.drafts.SaveDraft(ctx, "onboarding", "client-1", model.Draft{Responses: model.ResponseSet{"name": "Grace"}})
	h.store.record = model.ResponseRecord{Responses: model.ResponseSet{"name": "Remote"}, Version: 2}
	h.open(t, "onboarding")

	if err := h.engine.DiscardDraft(ctx); err != nil {
		t.Fatalf("DiscardDraft() error = %v", err)
	}
	if _, ok, _ := h.drafts.LoadDraft(ctx, "onboarding", "client-1"); ok {
		t.Error("draft should be deleted")
	}
	if got := h.engine.Responses()["name"]; got != "Remote" {
		t.Errorf("name = %v, want Remote", got)
	}
	if h.engine.Version() != 2 {
		t.Errorf("Version() = %d, want 2", h.engine.Version())
	}
	if h.engine.State().DraftAvailable {
		t.Error("DraftAvailable should be cleared")
	}
}

func TestClose_stopsTimersAndLoads(t *testing.T) {
	h := newHarness(t, pairSurvey())
	h.open(t, "pair")
	h.set(t, "q1", "x")

	h.engine.Close()
	h.engine.Close()
	h.clock.Advance(5 * time.Second)

	if h.store.saveCount() != 0 {
		t.Errorf("saves after Close = %d, want 0", h.store.saveCount())
	}
	if err := h.engine.Open(context.Background(), "pair", "client-1"); !model.IsAborted(err) {
		t.Errorf("Open() after Close error = %v, want ABORTED", err)
	}
}
