package definition

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/pitabwire/surveysync/model"
)

const definitionSchemaURL = "https://surveysync.local/schemas/survey-definition.schema.json"

// definitionSchemaJSON is the minimum structure a remote definition payload
// must have before it is decoded.
const definitionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["sections", "questions"],
  "properties": {
    "survey_type": {"type": "string"},
    "title": {"type": "string"},
    "sections": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "title": {"type": "string"},
          "order": {"type": "number"}
        }
      }
    },
    "questions": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "response_type"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "section_id": {"type": "string"},
          "text": {"type": "string"},
          "response_type": {"type": "string"},
          "required": {"type": "boolean"},
          "min": {"type": ["number", "null"]},
          "max": {"type": ["number", "null"]},
          "max_length": {"type": ["integer", "null"]},
          "options": {
            "type": ["array", "null"],
            "items": {
              "type": "object",
              "required": ["value"],
              "properties": {
                "label": {"type": "string"},
                "value": {"type": "string"}
              }
            }
          },
          "depends_on": {
            "type": ["object", "null"],
            "required": ["question_id"],
            "properties": {
              "question_id": {"type": "string"}
            }
          }
        }
      }
    }
  }
}`

var compileDefinitionSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(definitionSchemaURL, strings.NewReader(definitionSchemaJSON)); err != nil {
		return nil, fmt.Errorf("definition: schema load: %w", err)
	}
	return c.Compile(definitionSchemaURL)
})

// ParseRemote checks a remote definition payload against the definition
// schema and decodes it. surveyType fills in a payload that omits it.
func ParseRemote(data []byte, surveyType string) (model.SurveyDefinition, error) {
	schema, err := compileDefinitionSchema()
	if err != nil {
		return model.SurveyDefinition{}, err
	}

	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return model.SurveyDefinition{}, fmt.Errorf("definition: decode payload: %w", err)
	}
	if err := schema.Validate(raw); err != nil {
		return model.SurveyDefinition{}, fmt.Errorf("definition: payload does not match schema: %w", err)
	}

	var def model.SurveyDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return model.SurveyDefinition{}, fmt.Errorf("definition: decode payload: %w", err)
	}
	if def.SurveyType == "" {
		def.SurveyType = surveyType
	}
	def.SortSections()
	return def, nil
}
