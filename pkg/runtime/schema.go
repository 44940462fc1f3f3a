package runtime

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/traverse-labs/keel/pkg/fault"
)

// commandSchemas holds the JSON Schema for each command's wire payload.
// Schemas are structural only: business rules stay in the authority.
var commandSchemas = map[string]string{
	"credit.open_intent": `{
		"type": "object",
		"required": ["intent"],
		"properties": {
			"intent": {
				"type": "object",
				"required": ["envelope_id", "agent_id", "counterparty_id", "terms"],
				"properties": {
					"envelope_id": {"type": "string", "minLength": 1},
					"agent_id": {"type": "string", "minLength": 1},
					"counterparty_id": {"type": "string", "minLength": 1},
					"terms": {"$ref": "#/$defs/terms"}
				}
			}
		},
		"$defs": {
			"terms": {
				"type": "object",
				"required": ["amount_minor", "currency", "scope"],
				"properties": {
					"amount_minor": {"type": "integer", "minimum": 1},
					"currency": {"type": "string", "minLength": 1},
					"scope": {"type": "string", "minLength": 1}
				}
			}
		}
	}`,
	"credit.extend_offer": `{
		"type": "object",
		"required": ["offer"],
		"properties": {
			"offer": {
				"type": "object",
				"required": ["envelope_id", "issuer_id", "terms"],
				"properties": {
					"envelope_id": {"type": "string", "minLength": 1},
					"issuer_id": {"type": "string", "minLength": 1},
					"terms": {"type": "object", "required": ["amount_minor", "currency", "scope"]}
				}
			}
		}
	}`,
	"credit.establish_envelope": `{
		"type": "object",
		"required": ["envelope_id"],
		"properties": {"envelope_id": {"type": "string", "minLength": 1}}
	}`,
	"credit.authorize_spend": `{
		"type": "object",
		"required": ["authorization"],
		"properties": {
			"authorization": {
				"type": "object",
				"required": ["envelope_id", "amount_minor", "scope"],
				"properties": {
					"envelope_id": {"type": "string", "minLength": 1},
					"amount_minor": {"type": "integer", "minimum": 1},
					"scope": {"type": "string", "minLength": 1}
				}
			}
		}
	}`,
	"credit.settle": `{
		"type": "object",
		"required": ["receipt"],
		"properties": {
			"receipt": {
				"type": "object",
				"required": ["envelope_id", "scope"],
				"properties": {
					"envelope_id": {"type": "string", "minLength": 1},
					"scope": {"type": "string", "minLength": 1}
				}
			}
		}
	}`,
	"credit.declare_default": `{
		"type": "object",
		"required": ["notice"],
		"properties": {
			"notice": {
				"type": "object",
				"required": ["envelope_id", "scope"],
				"properties": {
					"envelope_id": {"type": "string", "minLength": 1},
					"scope": {"type": "string", "minLength": 1}
				}
			}
		}
	}`,
	"job.request": `{
		"type": "object",
		"required": ["assignment_id"],
		"properties": {"assignment_id": {"type": "string", "minLength": 1}}
	}`,
	"job.assign": `{
		"type": "object",
		"required": ["provider_id", "assignment_id"],
		"properties": {
			"provider_id": {"type": "string", "minLength": 1},
			"assignment_id": {"type": "string", "minLength": 1}
		}
	}`,
	"job.heartbeat": `{
		"type": "object",
		"required": ["provider_id", "assignment_id"]
	}`,
	"job.complete": `{
		"type": "object",
		"required": ["provider_id", "assignment_id"]
	}`,
	"job.expire": `{
		"type": "object",
		"required": ["assignment_id"]
	}`,
	"skill.attest": `{
		"type": "object",
		"required": ["attestation"],
		"properties": {
			"attestation": {
				"type": "object",
				"required": ["agent_id", "skill", "attestor_id"]
			}
		}
	}`,
	"skill.revoke": `{
		"type": "object",
		"required": ["attestation"]
	}`,
}

// SchemaSet validates command payloads against compiled JSON Schemas.
type SchemaSet struct {
	schemas map[string]*jsonschema.Schema
}

// CompileSchemas compiles every command schema. Called once at startup;
// a schema that does not compile is a programming error surfaced
// immediately.
func CompileSchemas() (*SchemaSet, error) {
	set := &SchemaSet{schemas: make(map[string]*jsonschema.Schema, len(commandSchemas))}
	for name, source := range commandSchemas {
		compiler := jsonschema.NewCompiler()
		url := "keel://commands/" + strings.ReplaceAll(name, ".", "/") + ".json"
		if err := compiler.AddResource(url, strings.NewReader(source)); err != nil {
			return nil, fmt.Errorf("runtime: schema %s: %w", name, err)
		}
		schema, err := compiler.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("runtime: schema %s does not compile: %w", name, err)
		}
		set.schemas[name] = schema
	}
	return set, nil
}

// Validate checks a command's wire shape. Commands without a registered
// schema are rejected: the schema set is part of the closed command set.
func (s *SchemaSet) Validate(cmd Command) error {
	schema, ok := s.schemas[cmd.Name()]
	if !ok {
		return fault.New(fault.Validation, "unknown command %s", cmd.Name())
	}

	raw, err := json.Marshal(cmd)
	if err != nil {
		return fault.Wrap(fault.Internal, err, "command marshal failed: %v", err)
	}
	var doc any
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	if err := decoder.Decode(&doc); err != nil {
		return fault.Wrap(fault.Internal, err, "command decode failed: %v", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fault.Wrap(fault.Validation, err, "command %s payload invalid: %v", cmd.Name(), err)
	}
	return nil
}
