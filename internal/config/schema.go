package config

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
)

// configSchema is built once (lazily, on first LoadAll) and reused, so a
// malformed config file is rejected before a single field is touched rather
// than surfacing as a confusing zero-value deep in startup.
var (
	configSchemaOnce sync.Once
	configSchema     *jsonschema.Resolved
	configSchemaErr  error
)

func buildConfigSchema() (*jsonschema.Resolved, error) {
	raw, err := jsonschema.For[BridgeConfig](nil)
	if err != nil {
		return nil, fmt.Errorf("config: build schema: %w", err)
	}
	// For marks every field without omitempty as required, but the file is
	// layered over DefaultBridgeConfig, so object fields may be omitted;
	// Validate checks the ones that have no default.
	var optional func(s *jsonschema.Schema)
	optional = func(s *jsonschema.Schema) {
		s.Required = nil
		for _, p := range s.Properties {
			optional(p)
		}
	}
	optional(raw)
	resolved, err := raw.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("config: resolve schema: %w", err)
	}
	return resolved, nil
}

// validateAgainstSchema checks already-comment-stripped config JSON against
// BridgeConfig's generated schema before it is unmarshaled.
func validateAgainstSchema(data []byte) error {
	configSchemaOnce.Do(func() {
		configSchema, configSchemaErr = buildConfigSchema()
	})
	if configSchemaErr != nil {
		return configSchemaErr
	}

	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return fmt.Errorf("config: invalid JSON: %w", err)
	}
	return configSchema.Validate(instance)
}
