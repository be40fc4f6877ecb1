package survey

import (
	"testing"

	"github.com/pitabwire/surveysync/model"
)

func TestIsVisible(t *testing.T) {
	def := model.SurveyDefinition{
		Sections: []model.Section{{ID: "s", Order: 1}},
		Questions: []model.Question{
			{ID: "root", SectionID: "s", ResponseType: model.ResponseSingleSelect},
			{ID: "any", SectionID: "s", DependsOn: &model.Dependency{QuestionID: "root"}},
			{ID: "eq", SectionID: "s", DependsOn: &model.Dependency{QuestionID: "root", Value: "yes"}},
			{ID: "num", SectionID: "s", DependsOn: &model.Dependency{QuestionID: "root", Value: 3}},
			{ID: "flag", SectionID: "s", DependsOn: &model.Dependency{QuestionID: "root", Value: true}},
			{ID: "chained", SectionID: "s", DependsOn: &model.Dependency{QuestionID: "eq", Value: "go"}},
			{ID: "dangling", SectionID: "s", DependsOn: &model.Dependency{QuestionID: "ghost"}},
		},
	}

	tests := []struct {
		name      string
		question  string
		responses model.ResponseSet
		want      bool
	}{
		{"no dependency", "root", nil, true},
		{"any value, unanswered", "any", nil, false},
		{"any value, blank", "any", model.ResponseSet{"root": "  "}, false},
		{"any value, answered", "any", model.ResponseSet{"root": "no"}, true},
		{"equal value", "eq", model.ResponseSet{"root": "yes"}, true},
		{"different value", "eq", model.ResponseSet{"root": "no"}, false},
		{"array contains value", "eq", model.ResponseSet{"root": []any{"maybe", "yes"}}, true},
		{"array without value", "eq", model.ResponseSet{"root": []any{"maybe"}}, false},
		{"numeric across types", "num", model.ResponseSet{"root": float64(3)}, true},
		{"numeric string", "num", model.ResponseSet{"root": "3"}, true},
		{"bool value", "flag", model.ResponseSet{"root": true}, true},
		{"bool string", "flag", model.ResponseSet{"root": "true"}, true},
		{"chain visible", "chained", model.ResponseSet{"root": "yes", "eq": "go"}, true},
		{"stale answer of hidden parent", "chained", model.ResponseSet{"root": "no", "eq": "go"}, false},
		{"unknown reference", "dangling", model.ResponseSet{"root": "x"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, _ := def.Question(tt.question)
			if got := IsVisible(def, q, tt.responses); got != tt.want {
				t.Errorf("IsVisible(%s) = %v, want %v", tt.question, got, tt.want)
			}
		})
	}
}

func TestIsVisible_cycleTerminates(t *testing.T) {
	def := model.SurveyDefinition{Questions: []model.Question{
		{ID: "a", DependsOn: &model.Dependency{QuestionID: "b"}},
		{ID: "b", DependsOn: &model.Dependency{QuestionID: "a"}},
	}}
	if IsVisible(def, def.Questions[0], model.ResponseSet{"a": "x", "b": "y"}) {
		t.Error("questions in a dependency cycle should be hidden")
	}
}

func TestComputeProgress(t *testing.T) {
	def := onboardingSurvey()
	def.SortSections()

	tests := []struct {
		name      string
		responses model.ResponseSet
		want      model.Progress
	}{
		{
			name: "empty",
			want: model.Progress{Total: 5, RequiredTotal: 1},
		},
		{
			name:      "dependent question counted once shown",
			responses: model.ResponseSet{"name": "Ada", "has_plan": "yes"},
			want:      model.Progress{Answered: 2, Total: 6, RequiredAnswered: 1, RequiredTotal: 2, Percentage: 33},
		},
		{
			name:      "hidden answer ignored",
			responses: model.ResponseSet{"has_plan": "no", "plan": "stale"},
			want:      model.Progress{Answered: 1, Total: 5, RequiredTotal: 1, Percentage: 20},
		},
		{
			name:      "rounds to nearest",
			responses: model.ResponseSet{"name": "Ada", "email": "a@b.io", "has_plan": "yes", "plan": "p"},
			want:      model.Progress{Answered: 4, Total: 6, RequiredAnswered: 2, RequiredTotal: 2, Percentage: 67},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ComputeProgress(def, tt.responses); got != tt.want {
				t.Errorf("ComputeProgress() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestEngine_dependencyHiding(t *testing.T) {
	h := newHarness(t, onboardingSurvey())
	h.open(t, "onboarding")

	if h.engine.IsVisible("plan") {
		t.Error("plan should be hidden before has_plan is answered")
	}
	if got := len(h.engine.VisibleQuestions(1)); got != 2 {
		t.Errorf("VisibleQuestions(1) = %d questions, want 2", got)
	}

	h.set(t, "has_plan", "yes")
	if !h.engine.IsVisible("plan") {
		t.Error("plan should be visible once has_plan is yes")
	}
	if got := len(h.engine.VisibleQuestions(1)); got != 3 {
		t.Errorf("VisibleQuestions(1) = %d questions, want 3", got)
	}

	h.set(t, "has_plan", "no")
	if h.engine.IsVisible("plan") {
		t.Error("plan should be hidden again when has_plan is no")
	}
	if h.engine.IsVisible("nope") {
		t.Error("unknown questions are never visible")
	}
	if got := h.engine.VisibleQuestions(7); got != nil {
		t.Errorf("VisibleQuestions(7) = %v, want nil", got)
	}
}
