package observability

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pitabwire/surveysync/internal/config"
	"github.com/pitabwire/surveysync/model"
)

func TestNewLogger_levels(t *testing.T) {
	tests := []struct {
		level     string
		wantDebug bool
		wantInfo  bool
	}{
		{"debug", true, true},
		{"info", false, true},
		{"warn", false, false},
		{"bogus", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			logger, err := NewLogger(config.ObservabilityConfig{LogLevel: tt.level})
			if err != nil {
				t.Fatalf("NewLogger() error = %v", err)
			}
			core := logger.Core()
			if got := core.Enabled(zapcore.DebugLevel); got != tt.wantDebug {
				t.Errorf("debug enabled = %v, want %v", got, tt.wantDebug)
			}
			if got := core.Enabled(zapcore.InfoLevel); got != tt.wantInfo {
				t.Errorf("info enabled = %v, want %v", got, tt.wantInfo)
			}
		})
	}
}

func TestLoggerFrom(t *testing.T) {
	stored, fallback := zap.NewNop(), zap.NewNop()

	if got := LoggerFrom(context.Background(), fallback); got != fallback {
		t.Error("an empty context should yield the fallback")
	}
	ctx := WithLogger(context.Background(), stored)
	if got := LoggerFrom(ctx, fallback); got != stored {
		t.Error("the stored logger should win over the fallback")
	}
}

func TestSessionLogger(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	base := zap.New(core)

	ctx := model.WithRequestContext(context.Background(), &model.RequestContext{
		ClientID:      "client-7",
		SurveyType:    "intake",
		CorrelationID: "corr-abc",
	})
	SessionLogger(ctx, base).Info("survey loaded")
	SessionLogger(context.Background(), base).Info("no session")

	entries := logs.AllUntimed()
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}

	fields := entries[0].ContextMap()
	want := map[string]any{"client_id": "client-7", "survey_type": "intake", "correlation_id": "corr-abc"}
	for k, v := range want {
		if fields[k] != v {
			t.Errorf("%s = %v, want %v", k, fields[k], v)
		}
	}
	for _, k := range []string{"subject_id", "trace_id"} {
		if _, ok := fields[k]; ok {
			t.Errorf("%s should be omitted when empty", k)
		}
	}
	if n := len(entries[1].Context); n != 0 {
		t.Errorf("logger without a session carries %d fields", n)
	}
}

func TestRedactAnswers(t *testing.T) {
	def := model.SurveyDefinition{
		SurveyType: "intake",
		Questions: []model.Question{
			{ID: "full_name", ResponseType: model.ResponseShortText},
			{ID: "email", ResponseType: model.ResponseEmail},
			{ID: "contact", ResponseType: model.ResponseDropdown, ValidationType: model.ValidationPhone},
			{ID: "needs_support", ResponseType: model.ResponseSingleSelect},
			{ID: "satisfaction", ResponseType: model.ResponseRating},
			{ID: "topics", ResponseType: model.ResponseMultiSelect},
		},
	}
	responses := model.ResponseSet{
		"full_name":     "Ada Lovelace",
		"email":         "ada@example.com",
		"contact":       "+44 20 7946 0958",
		"needs_support": "yes",
		"satisfaction":  4.0,
		"topics":        []any{"housing"},
		"legacy_field":  "unknown to the definition",
	}

	got := RedactAnswers(def, responses)

	for _, id := range []string{"full_name", "email", "contact", "legacy_field"} {
		if got[id] != Redacted {
			t.Errorf("%s = %v, want redacted", id, got[id])
		}
	}
	if got["needs_support"] != "yes" || got["satisfaction"] != 4.0 {
		t.Errorf("structured answers changed: %v", got)
	}
	if responses["full_name"] != "Ada Lovelace" {
		t.Error("RedactAnswers must not modify its input")
	}
	if RedactAnswers(def, nil) != nil {
		t.Error("RedactAnswers(nil) should be nil")
	}
}
