package survey

import (
	"context"
	"fmt"

	"github.com/pitabwire/surveysync/model"
)

// EnterReview switches from editing to the read-only review.
func (e *Engine) EnterReview(ctx context.Context) error {
	e.mu.Lock()
	if err := e.requireEditLocked(); err != nil {
		e.mu.Unlock()
		return err
	}
	e.enterReviewLocked()
	e.mu.Unlock()
	e.persistDraft(ctx)
	return nil
}

func (e *Engine) enterReviewLocked() {
	e.state.ViewMode = model.ViewReview
	if last := len(e.def.Sections) - 1; last > e.state.FurthestSectionIndex {
		e.state.FurthestSectionIndex = last
	}
}

// ReturnToEdit leaves review. Calling it while editing is a no-op.
func (e *Engine) ReturnToEdit() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state.ViewMode {
	case model.ViewReview:
		e.state.ViewMode = model.ViewEdit
		return nil
	case model.ViewEdit:
		return nil
	}
	return model.NewInvalidTransitionError(fmt.Sprintf("cannot edit in %s mode", e.state.ViewMode))
}

// Review lists the visible questions and their answers grouped by section.
// Sections without visible questions are left out.
func (e *Engine) Review() []model.ReviewSection {
	e.mu.Lock()
	defer e.mu.Unlock()
	return BuildReview(e.def, e.responses)
}

// BuildReview builds the review listing for responses.
func BuildReview(def model.SurveyDefinition, responses model.ResponseSet) []model.ReviewSection {
	out := []model.ReviewSection{}
	for i, s := range def.Sections {
		visible := VisibleQuestions(def, i, responses)
		if len(visible) == 0 {
			continue
		}
		sec := model.ReviewSection{SectionID: s.ID, Title: s.Title, Items: make([]model.ReviewItem, 0, len(visible))}
		for _, q := range visible {
			sec.Items = append(sec.Items, model.ReviewItem{
				QuestionID: q.ID,
				Text:       q.Text,
				Answer:     cloneAnswer(responses[q.ID]),
			})
		}
		out = append(out, sec)
	}
	return out
}
