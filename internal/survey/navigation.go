package survey

import (
	"context"
	"fmt"

	"github.com/pitabwire/surveysync/model"
)

// Next validates the current section and moves to the following one. On the
// last section it enters review instead.
func (e *Engine) Next(ctx context.Context) error {
	e.mu.Lock()
	err := e.nextLocked()
	e.mu.Unlock()
	if err != nil {
		return err
	}
	e.persistDraft(ctx)
	return nil
}

func (e *Engine) nextLocked() error {
	if err := e.requireEditLocked(); err != nil {
		return err
	}
	cur := e.state.CurrentSectionIndex
	if errs := e.validateSectionLocked(cur); len(errs) > 0 {
		return model.NewValidationError(errs)
	}
	if cur >= len(e.def.Sections)-1 {
		e.enterReviewLocked()
		return nil
	}
	e.moveToLocked(cur + 1)
	return nil
}

// Previous moves to the preceding section. It is a no-op on the first
// section and returns to editing the last section from review.
func (e *Engine) Previous(ctx context.Context) error {
	e.mu.Lock()
	switch e.state.ViewMode {
	case model.ViewReview:
		e.state.ViewMode = model.ViewEdit
		e.moveToLocked(max(len(e.def.Sections)-1, 0))
	case model.ViewEdit:
		if e.state.DraftAvailable {
			e.mu.Unlock()
			return model.NewInvalidTransitionError("resume or discard the draft first")
		}
		if e.state.CurrentSectionIndex > 0 {
			e.moveToLocked(e.state.CurrentSectionIndex - 1)
		}
	default:
		mode := e.state.ViewMode
		e.mu.Unlock()
		return model.NewInvalidTransitionError(fmt.Sprintf("cannot navigate in %s mode", mode))
	}
	e.mu.Unlock()
	e.persistDraft(ctx)
	return nil
}

// GoToSection jumps to section i. Sections already reached are always
// allowed and the section after the current one behaves like Next. Any
// other section is allowed only when its visible required questions are
// already answered.
func (e *Engine) GoToSection(ctx context.Context, i int) error {
	e.mu.Lock()
	err := e.goToLocked(i)
	e.mu.Unlock()
	if err != nil {
		return err
	}
	e.persistDraft(ctx)
	return nil
}

func (e *Engine) goToLocked(i int) error {
	if err := e.requireEditLocked(); err != nil {
		return err
	}
	if i < 0 || i >= len(e.def.Sections) {
		return model.NewBadRequestError(fmt.Sprintf("section index %d out of range", i))
	}
	switch {
	case i <= e.state.FurthestSectionIndex:
		e.moveToLocked(i)
		return nil
	case i == e.state.CurrentSectionIndex+1:
		return e.nextLocked()
	case e.requiredAnsweredLocked(i):
		e.moveToLocked(i)
		return nil
	}
	return model.NewInvalidTransitionError(fmt.Sprintf("section %q has unanswered required questions", e.def.Sections[i].ID))
}

// NextQuestion moves the question pointer forward within the visible
// questions of the current section. It reports whether the pointer moved.
func (e *Engine) NextQuestion() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.ViewMode != model.ViewEdit {
		return false
	}
	n := len(e.visibleQuestionsLocked(e.state.CurrentSectionIndex))
	if e.state.CurrentQuestionIndex >= n-1 {
		return false
	}
	e.state.CurrentQuestionIndex++
	return true
}

// PreviousQuestion moves the question pointer back. It reports whether the
// pointer moved.
func (e *Engine) PreviousQuestion() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.ViewMode != model.ViewEdit || e.state.CurrentQuestionIndex == 0 {
		return false
	}
	n := len(e.visibleQuestionsLocked(e.state.CurrentSectionIndex))
	e.state.CurrentQuestionIndex = min(e.state.CurrentQuestionIndex-1, max(n-1, 0))
	return true
}

// CurrentQuestion returns the question under the pointer, if any.
func (e *Engine) CurrentQuestion() (model.Question, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	visible := e.visibleQuestionsLocked(e.state.CurrentSectionIndex)
	if len(visible) == 0 {
		return model.Question{}, false
	}
	return visible[clamp(e.state.CurrentQuestionIndex, 0, len(visible)-1)], true
}

func (e *Engine) requireEditLocked() error {
	if e.state.ViewMode != model.ViewEdit {
		return model.NewInvalidTransitionError(fmt.Sprintf("cannot navigate in %s mode", e.state.ViewMode))
	}
	if e.state.DraftAvailable {
		return model.NewInvalidTransitionError("resume or discard the draft first")
	}
	return nil
}

func (e *Engine) moveToLocked(i int) {
	e.state.CurrentSectionIndex = i
	e.state.CurrentQuestionIndex = 0
	if i > e.state.FurthestSectionIndex {
		e.state.FurthestSectionIndex = i
	}
}

func (e *Engine) requiredAnsweredLocked(i int) bool {
	for _, q := range e.visibleQuestionsLocked(i) {
		if q.Required && model.IsEmptyValue(e.responses[q.ID]) {
			return false
		}
	}
	return true
}
