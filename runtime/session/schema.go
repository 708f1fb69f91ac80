package session

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// partSchema is the authoritative schema for part snapshots. The tool status
// enumeration lives here and nowhere else: code paths that set a status are
// validated against this document at the store boundary, so a stray status
// string cannot enter the ledger from one call site while the rest of the
// system enumerates another set.
const partSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "messageID", "sessionID", "kind"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "messageID": {"type": "string", "minLength": 1},
    "sessionID": {"type": "string", "minLength": 1},
    "kind": {"enum": ["text", "reasoning", "step-start", "step-finish", "tool", "file"]},
    "state": {
      "type": "object",
      "required": ["status"],
      "properties": {
        "status": {"enum": ["pending", "running", "completed", "error", "aborted"]}
      }
    }
  },
  "allOf": [
    {
      "if": {"properties": {"kind": {"const": "tool"}}},
      "then": {"required": ["tool", "callID", "state"]}
    },
    {
      "if": {"properties": {"kind": {"const": "step-finish"}}},
      "then": {"required": ["finish"]}
    }
  ]
}`

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

func schema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(partSchema))
		if err != nil {
			compileErr = fmt.Errorf("unmarshal part schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("part.schema.json", doc); err != nil {
			compileErr = fmt.Errorf("add part schema resource: %w", err)
			return
		}
		compiled, compileErr = c.Compile("part.schema.json")
	})
	return compiled, compileErr
}

// Validate checks a part snapshot against the authoritative schema. It is
// invoked by the store on every append and update.
func Validate(p *Part) error {
	if p == nil {
		return fmt.Errorf("part is required")
	}
	if err := p.check(); err != nil {
		return err
	}
	sch, err := schema()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal part: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return fmt.Errorf("decode part: %w", err)
	}
	if err := sch.Validate(doc); err != nil {
		return fmt.Errorf("part %s: %w", p.ID, err)
	}
	return nil
}
