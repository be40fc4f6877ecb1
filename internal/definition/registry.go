package definition

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/pitabwire/surveysync/model"
)

// Provider serves the definition of a survey type.
type Provider interface {
	GetDefinition(ctx context.Context, surveyType string) (model.SurveyDefinition, error)
}

// catalog is one immutable generation of loaded definitions.
type catalog struct {
	byType   map[string]model.SurveyDefinition
	ordered  []model.SurveyDefinition
	checksum string
}

// Changes lists the survey types affected by a Replace, each sorted.
type Changes struct {
	Added    []string
	Removed  []string
	Modified []string
}

// Empty reports whether the replacement changed nothing.
func (c Changes) Empty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0 && len(c.Modified) == 0
}

// Registry serves local definitions. Readers never block: a reload builds
// a new catalog and swaps it in whole.
type Registry struct {
	cur atomic.Pointer[catalog]
}

// NewRegistry returns a Registry holding defs.
func NewRegistry(defs []model.SurveyDefinition) *Registry {
	r := &Registry{}
	r.Replace(defs)
	return r
}

// Replace swaps in defs and reports how they differ from the previous
// generation by checksum. A later definition of the same survey type wins.
func (r *Registry) Replace(defs []model.SurveyDefinition) Changes {
	next := newCatalog(defs)
	prev := r.cur.Swap(next)

	var ch Changes
	if prev == nil {
		prev = &catalog{}
	}
	for _, d := range next.ordered {
		old, ok := prev.byType[d.SurveyType]
		switch {
		case !ok:
			ch.Added = append(ch.Added, d.SurveyType)
		case old.Checksum != d.Checksum:
			ch.Modified = append(ch.Modified, d.SurveyType)
		}
	}
	for _, d := range prev.ordered {
		if _, ok := next.byType[d.SurveyType]; !ok {
			ch.Removed = append(ch.Removed, d.SurveyType)
		}
	}
	return ch
}

func newCatalog(defs []model.SurveyDefinition) *catalog {
	c := &catalog{byType: make(map[string]model.SurveyDefinition, len(defs))}
	for _, d := range defs {
		c.byType[d.SurveyType] = d
	}

	sums := make([]string, 0, len(c.byType))
	for _, d := range c.byType {
		c.ordered = append(c.ordered, d)
		sums = append(sums, d.SurveyType+"="+d.Checksum)
	}
	slices.SortFunc(c.ordered, func(a, b model.SurveyDefinition) int {
		return strings.Compare(a.SurveyType, b.SurveyType)
	})
	slices.Sort(sums)
	sum := sha256.Sum256([]byte(strings.Join(sums, "\n")))
	c.checksum = hex.EncodeToString(sum[:])
	return c
}

// Get returns the definition of surveyType.
func (r *Registry) Get(surveyType string) (model.SurveyDefinition, bool) {
	d, ok := r.cur.Load().byType[surveyType]
	return d, ok
}

// GetDefinition implements Provider. An unknown survey type is NOT_FOUND.
func (r *Registry) GetDefinition(_ context.Context, surveyType string) (model.SurveyDefinition, error) {
	d, ok := r.Get(surveyType)
	if !ok {
		return model.SurveyDefinition{}, model.NewNotFoundError(fmt.Sprintf("no local definition for survey type %q", surveyType))
	}
	return d, nil
}

// All returns every definition ordered by survey type.
func (r *Registry) All() []model.SurveyDefinition {
	return slices.Clone(r.cur.Load().ordered)
}

// Len returns the number of loaded definitions.
func (r *Registry) Len() int {
	return len(r.cur.Load().byType)
}

// Checksum identifies the loaded generation. It changes whenever any
// definition is added, removed or edited.
func (r *Registry) Checksum() string {
	return r.cur.Load().checksum
}
