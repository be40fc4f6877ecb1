package definition

import (
	"strings"
	"testing"
)

func TestLoader_LoadFile(t *testing.T) {
	defs, err := NewLoader().LoadFile("testdata/surveys/strategy.yaml")
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if len(defs) != 1 {
		t.Fatalf("definitions = %d, want 1", len(defs))
	}
	def := defs[0]

	if def.SurveyType != "strategy" || def.Title != "Business Strategy Review" {
		t.Errorf("definition = %q %q", def.SurveyType, def.Title)
	}
	if len(def.Sections) != 2 || def.Sections[0].ID != "profile" || def.Sections[1].ID != "goals" {
		t.Errorf("sections = %+v, want profile then goals", def.Sections)
	}
	if len(def.Questions) != 6 {
		t.Fatalf("questions = %d, want 6", len(def.Questions))
	}

	q, _ := def.Question("plan_horizon")
	if q.DependsOn == nil || q.DependsOn.QuestionID != "has_plan" || q.DependsOn.Value != "yes" {
		t.Errorf("plan_horizon depends_on = %+v", q.DependsOn)
	}
	emp, _ := def.Question("employees")
	if emp.Min == nil || *emp.Min != 1 || emp.Max == nil || *emp.Max != 100000 {
		t.Errorf("employees bounds = %v..%v", emp.Min, emp.Max)
	}
	name, _ := def.Question("company_name")
	if name.MaxLength == nil || *name.MaxLength != 120 {
		t.Errorf("company_name max_length = %v", name.MaxLength)
	}

	if len(def.Checksum) != 64 {
		t.Errorf("checksum = %q, want hex sha256", def.Checksum)
	}
	if def.SourceFile != "testdata/surveys/strategy.yaml" {
		t.Errorf("SourceFile = %q", def.SourceFile)
	}

	again, _ := NewLoader().LoadFile("testdata/surveys/strategy.yaml")
	if again[0].Checksum != def.Checksum {
		t.Error("checksum should be stable across loads")
	}
}

func TestLoader_LoadFile_multipleDocuments(t *testing.T) {
	defs, err := NewLoader().LoadFile("testdata/multi/pulse.yaml")
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if len(defs) != 2 || defs[0].SurveyType != "pulse_weekly" || defs[1].SurveyType != "pulse_exit" {
		t.Fatalf("definitions = %+v", defs)
	}
	if defs[0].Checksum == defs[1].Checksum {
		t.Error("each document should carry its own checksum")
	}
	if defs[1].Sections[0].ID != "reason" {
		t.Errorf("exit sections = %+v, want reason first", defs[1].Sections)
	}
}

func TestLoader_LoadFile_surveyTypeFromFileName(t *testing.T) {
	defs, err := NewLoader().LoadFile("testdata/untyped/feedback.yaml")
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if defs[0].SurveyType != "feedback" {
		t.Errorf("SurveyType = %q, want feedback", defs[0].SurveyType)
	}
}

func TestLoader_LoadFile_errors(t *testing.T) {
	tests := []struct {
		name, path, want string
	}{
		{"missing file", "testdata/nonexistent.yaml", "no such file"},
		{"malformed yaml", "testdata/invalid/bad.yaml", "document 1"},
		{"unknown field", "testdata/strict/typo.yaml", "requierd"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLoader().LoadFile(tt.path)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("LoadFile(%s) error = %v, want mention of %q", tt.path, err, tt.want)
			}
		})
	}
}

func TestLoader_LoadAll(t *testing.T) {
	defs, err := NewLoader().LoadAll([]string{"testdata/surveys", "testdata/multi"})
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	var types []string
	for _, d := range defs {
		types = append(types, d.SurveyType)
	}
	if got := strings.Join(types, ","); got != "strategy,pulse_weekly,pulse_exit" {
		t.Errorf("survey types = %s", got)
	}
}

func TestLoader_LoadAll_errors(t *testing.T) {
	for _, dir := range []string{"testdata/does-not-exist", "testdata/invalid"} {
		if _, err := NewLoader().LoadAll([]string{dir}); err == nil {
			t.Errorf("LoadAll(%s) should fail", dir)
		}
	}
}
