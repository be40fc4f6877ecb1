// Package definition loads local YAML survey definitions, validates them,
// and serves them from a registry with atomic pointer swap.
package definition

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/surveysync/model"
)

// Loader reads survey definitions from YAML files. A file may hold several
// definitions as separate YAML documents. Unknown keys are rejected so a
// misspelled field fails the load instead of being silently dropped.
type Loader struct{}

// NewLoader returns a Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadAll walks each directory for *.yaml and *.yml files and returns their
// definitions in path order. Hidden files and directories are skipped.
func (l *Loader) LoadAll(directories []string) ([]model.SurveyDefinition, error) {
	var defs []model.SurveyDefinition
	for _, dir := range directories {
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if d.IsDir() || !isYAML(path) {
				return nil
			}
			found, err := l.LoadFile(path)
			if err != nil {
				return err
			}
			defs = append(defs, found...)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("definitions in %s: %w", dir, err)
		}
	}
	return defs, nil
}

// LoadFile parses every document in path. Each definition gets the checksum
// of its own document and its sections sorted by order. A file holding a
// single definition without survey_type takes the type from the file name.
func (l *Loader) LoadFile(path string) ([]model.SurveyDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var defs []model.SurveyDefinition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	for i := 0; ; i++ {
		var doc yaml.Node
		if err := dec.Decode(&doc); errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return nil, fmt.Errorf("%s: document %d: %w", path, i+1, err)
		}
		def, err := decodeDefinition(&doc)
		if err != nil {
			return nil, fmt.Errorf("%s: document %d: %w", path, i+1, err)
		}
		def.SourceFile = path
		defs = append(defs, def)
	}

	if len(defs) == 0 {
		return nil, fmt.Errorf("%s: no survey definition found", path)
	}
	if len(defs) == 1 && defs[0].SurveyType == "" {
		defs[0].SurveyType = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return defs, nil
}

func decodeDefinition(doc *yaml.Node) (model.SurveyDefinition, error) {
	raw, err := yaml.Marshal(doc)
	if err != nil {
		return model.SurveyDefinition{}, err
	}
	strict := yaml.NewDecoder(bytes.NewReader(raw))
	strict.KnownFields(true)

	var def model.SurveyDefinition
	if err := strict.Decode(&def); err != nil {
		return model.SurveyDefinition{}, err
	}
	sum := sha256.Sum256(raw)
	def.Checksum = hex.EncodeToString(sum[:])
	def.SortSections()
	return def, nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}
