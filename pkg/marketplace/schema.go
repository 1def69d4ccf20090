package marketplace

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/ccos/core/pkg/kernel/errorir"
	"github.com/Mindburn-Labs/ccos/core/pkg/value"
)

// compileSchema compiles a JSON Schema document. A nil document yields a nil
// schema, which accepts everything.
func compileSchema(capabilityID, kind string, doc map[string]any) (*jsonschema.Schema, error) {
	if doc == nil {
		return nil, nil
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("%s schema for %s is not JSON: %w", kind, capabilityID, err)
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://ccos.schemas.local/capabilities/%s/%s.schema.json", capabilityID, kind)
	if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("%s schema load failed for %s: %w", kind, capabilityID, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("%s schema compile failed for %s: %w", kind, capabilityID, err)
	}
	return compiled, nil
}

// validate checks v against schema and returns a SchemaMismatch naming the
// failing keyword and instance location.
func validate(capabilityID string, schema *jsonschema.Schema, v value.Value) error {
	if schema == nil {
		return nil
	}
	err := schema.Validate(value.ToJSON(v))
	if err == nil {
		return nil
	}

	expected := "value matching " + schema.Location
	actual := value.KindOf(v).String()
	var ve *jsonschema.ValidationError
	if errors.As(err, &ve) {
		leaf := ve
		for len(leaf.Causes) > 0 {
			leaf = leaf.Causes[0]
		}
		expected = leaf.KeywordLocation + ": " + leaf.Message
		if leaf.InstanceLocation != "" {
			actual = "instance at " + leaf.InstanceLocation
		}
	}
	return errorir.SchemaMismatch(capabilityID, expected, actual, err)
}
