package casemover

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// payloadSchema is the wire contract every ingestion path must satisfy before
// the load engine sees it. Keeping validation at the boundary means the
// engine can trust shape and only worry about semantics (missing parents,
// duplicate keys).
const payloadSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["organization"],
	"properties": {
		"organization": {
			"type": "object",
			"required": ["sourceId", "name"],
			"properties": {
				"sourceId": {"type": "string", "minLength": 1},
				"name": {"type": "string", "minLength": 1},
				"defaultHourlyRate": {"type": "number", "minimum": 0}
			}
		},
		"users": {"type": "array", "items": {"$ref": "#/$defs/user"}},
		"contacts": {"type": "array", "items": {"$ref": "#/$defs/contact"}},
		"matters": {"type": "array", "items": {"$ref": "#/$defs/matter"}},
		"activities": {"type": "array", "items": {"$ref": "#/$defs/activity"}},
		"calendar_entries": {"type": "array", "items": {"$ref": "#/$defs/calendarEntry"}}
	},
	"$defs": {
		"user": {
			"type": "object",
			"required": ["sourceId"],
			"properties": {
				"sourceId": {"type": "string", "minLength": 1},
				"email": {"type": "string"},
				"rate": {"type": "number", "minimum": 0}
			}
		},
		"contact": {
			"type": "object",
			"required": ["sourceId", "type"],
			"properties": {
				"sourceId": {"type": "string", "minLength": 1},
				"type": {"enum": ["Person", "Company"]}
			}
		},
		"matter": {
			"type": "object",
			"required": ["sourceId", "displayNumber"],
			"properties": {
				"sourceId": {"type": "string", "minLength": 1},
				"displayNumber": {"type": "string", "minLength": 1}
			}
		},
		"activity": {
			"type": "object",
			"required": ["sourceId", "kind"],
			"properties": {
				"sourceId": {"type": "string", "minLength": 1},
				"kind": {"enum": ["TimeEntry", "ExpenseEntry"]},
				"quantity": {"type": "number"},
				"rate": {"type": "number"}
			}
		},
		"calendarEntry": {
			"type": "object",
			"required": ["sourceId", "summary"],
			"properties": {
				"sourceId": {"type": "string", "minLength": 1},
				"summary": {"type": "string", "minLength": 1}
			}
		}
	}
}`

var (
	payloadSchemaOnce     sync.Once
	payloadSchemaCompiled *jsonschema.Schema
	payloadSchemaErr      error
)

func compiledPayloadSchema() (*jsonschema.Schema, error) {
	payloadSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(payloadSchema))
		if err != nil {
			payloadSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("casemover://import-payload.json", doc); err != nil {
			payloadSchemaErr = err
			return
		}
		payloadSchemaCompiled, payloadSchemaErr = compiler.Compile("casemover://import-payload.json")
	})
	return payloadSchemaCompiled, payloadSchemaErr
}

// ValidatePayloadJSON checks raw bytes against the import payload contract
// and decodes them. The pasted-payload and drop-directory boundaries go
// through here, where a bad payload is rejected whole before any load starts.
func ValidatePayloadJSON(raw []byte) (ImportPayload, error) {
	schema, err := compiledPayloadSchema()
	if err != nil {
		return ImportPayload{}, err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return ImportPayload{}, fmt.Errorf("%w: %v", ErrSchemaRejected, err)
	}
	if err := schema.Validate(doc); err != nil {
		return ImportPayload{}, fmt.Errorf("%w: %v", ErrSchemaRejected, err)
	}
	var payload ImportPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return ImportPayload{}, fmt.Errorf("%w: %v", ErrSchemaRejected, err)
	}
	return payload, nil
}

// ValidatePayload round-trips an already-built payload through the schema.
// Only the transactional load path uses it; incremental loads judge records
// one at a time instead.
func ValidatePayload(payload ImportPayload) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = ValidatePayloadJSON(raw)
	return err
}
