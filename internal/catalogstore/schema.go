package catalogstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/santhosh-tekuri/jsonschema/v6/kind"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/opendatalab/catsync/internal/catalog"
)

// Record schemas. Datasets and resources are open bags so callers can stamp
// free-form fields on them; the view schema is closed and its view_type is
// fixed at creation, which is why views cannot carry a caller key directly.
const (
	datasetSchema = `{
		"type": "object",
		"properties": {
			"id": {"type": "string"},
			"name": {"type": "string", "pattern": "^[a-z0-9_-]+$", "minLength": 1},
			"title": {"type": "string"},
			"notes": {"type": "string"},
			"resources": {"type": "array"}
		},
		"required": ["name"]
	}`
	resourceSchema = `{
		"type": "object",
		"properties": {
			"id": {"type": "string"},
			"dataset_id": {"type": "string", "minLength": 1},
			"name": {"type": "string"},
			"url": {"type": "string"},
			"format": {"type": "string"}
		},
		"required": ["dataset_id"]
	}`
	viewSchema = `{
		"type": "object",
		"properties": {
			"id": {"type": "string"},
			"resource_id": {"type": "string", "minLength": 1},
			"view_type": {"type": "string", "minLength": 1},
			"title": {"type": "string"},
			"description": {"type": "string"}
		},
		"required": ["resource_id", "view_type"],
		"additionalProperties": false
	}`
)

type recordValidator struct {
	schemas map[string]*jsonschema.Schema
	printer *message.Printer
}

func newRecordValidator() *recordValidator {
	compiler := jsonschema.NewCompiler()
	sources := map[string]string{
		catalog.KindDataset:  datasetSchema,
		catalog.KindResource: resourceSchema,
		catalog.KindView:     viewSchema,
	}
	schemas := map[string]*jsonschema.Schema{}
	for recordKind, source := range sources {
		location := recordKind + ".schema.json"
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(source))
		if err != nil {
			panic(fmt.Sprintf("catalogstore: bad %s schema: %v", recordKind, err))
		}
		if err := compiler.AddResource(location, doc); err != nil {
			panic(fmt.Sprintf("catalogstore: bad %s schema: %v", recordKind, err))
		}
		schema, err := compiler.Compile(location)
		if err != nil {
			panic(fmt.Sprintf("catalogstore: bad %s schema: %v", recordKind, err))
		}
		schemas[recordKind] = schema
	}
	return &recordValidator{
		schemas: schemas,
		printer: message.NewPrinter(language.English),
	}
}

// validate checks a record against its kind's schema and translates schema
// violations into a field-keyed ValidationError.
func (v *recordValidator) validate(recordKind string, rec catalog.Record) error {
	schema, ok := v.schemas[recordKind]
	if !ok {
		return fmt.Errorf("%w: unknown record kind %q", catalog.ErrInvalidInput, recordKind)
	}
	// Round-trip through JSON so nested values use the decoded forms the
	// validator expects.
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return err
	}
	err = schema.Validate(instance)
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err
	}
	fields := map[string][]string{}
	v.collectCauses(ve, fields)
	if len(fields) == 0 {
		fields[""] = []string{ve.Error()}
	}
	return &catalog.ValidationError{Kind: recordKind, Fields: fields}
}

func (v *recordValidator) collectCauses(ve *jsonschema.ValidationError, fields map[string][]string) {
	if len(ve.Causes) > 0 {
		for _, cause := range ve.Causes {
			v.collectCauses(cause, fields)
		}
		return
	}
	switch k := ve.ErrorKind.(type) {
	case *kind.Required:
		for _, property := range k.Missing {
			fields[property] = append(fields[property], "required field is missing")
		}
	case *kind.AdditionalProperties:
		for _, property := range k.Properties {
			fields[property] = append(fields[property], "field is not allowed")
		}
	default:
		field := ""
		if len(ve.InstanceLocation) > 0 {
			field = ve.InstanceLocation[0]
		}
		fields[field] = append(fields[field], ve.ErrorKind.LocalizedString(v.printer))
	}
}
