package tracking

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/elderdiet/activitysync/internal/eventqueue"
)

const genericPayloadSchema = `{"type": "object"}`

var payloadSchemas = map[eventqueue.EventKind]string{
	eventqueue.KindFeature:     genericPayloadSchema,
	eventqueue.KindInteraction: genericPayloadSchema,
	eventqueue.KindAuth:        genericPayloadSchema,
	eventqueue.KindTabSwitch: `{
		"type": "object",
		"required": ["to"],
		"properties": {
			"from": {"type": "string"},
			"to": {"type": "string", "minLength": 1}
		}
	}`,
	eventqueue.KindPageVisit: `{
		"type": "object",
		"required": ["pageId", "pageName", "durationMs", "exitReason"],
		"properties": {
			"pageId": {"type": "string", "minLength": 1},
			"pageName": {"type": "string"},
			"path": {"type": "string"},
			"referrer": {"type": "string"},
			"durationMs": {"type": "integer", "minimum": 0},
			"exitReason": {"type": "string", "minLength": 1},
			"enteredAt": {"type": "string"},
			"exitedAt": {"type": "string"}
		}
	}`,
}

// PayloadValidator checks event payloads against a JSON schema per kind.
type PayloadValidator struct {
	schemas map[eventqueue.EventKind]*jsonschema.Schema
}

func NewPayloadValidator() (*PayloadValidator, error) {
	compiler := jsonschema.NewCompiler()
	v := &PayloadValidator{schemas: map[eventqueue.EventKind]*jsonschema.Schema{}}
	for kind, raw := range payloadSchemas {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("parse %s schema: %w", kind, err)
		}
		url := fmt.Sprintf("mem://activitysync/%s.json", kind)
		if err := compiler.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("add %s schema: %w", kind, err)
		}
		schema, err := compiler.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", kind, err)
		}
		v.schemas[kind] = schema
	}
	return v, nil
}

// Validate accepts a nil payload for every kind that has no required fields.
// It returns a detached copy of payload decoded from its JSON form, so later
// changes to the caller's map never reach a queued event.
func (v *PayloadValidator) Validate(kind eventqueue.EventKind, payload map[string]any) (map[string]any, error) {
	schema, ok := v.schemas[kind]
	if !ok {
		return nil, fmt.Errorf("unknown event kind %q", kind)
	}
	data := []byte("{}")
	if payload != nil {
		// Round-trip so Go numeric and struct values reach the validator as JSON.
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("payload is not JSON encodable: %w", err)
		}
		data = encoded
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(instance); err != nil {
		return nil, err
	}
	if payload == nil {
		return nil, nil
	}
	var detached map[string]any
	if err := json.Unmarshal(data, &detached); err != nil {
		return nil, err
	}
	return detached, nil
}
