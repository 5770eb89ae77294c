package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/openfroyo/reconcile/pkg/engine"
)

// ParseOverrideToken reads an override token from a JSON file path or from
// the inline form "id:approver:ticket[:environment]". An empty value returns
// nil, nil.
func ParseOverrideToken(value string) (*engine.OverrideToken, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}

	var token engine.OverrideToken
	if info, err := os.Stat(value); err == nil && !info.IsDir() {
		data, err := os.ReadFile(value)
		if err != nil {
			return nil, fmt.Errorf("failed to read override token %s: %w", value, err)
		}
		if err := json.Unmarshal(data, &token); err != nil {
			return nil, fmt.Errorf("failed to decode override token %s: %w", value, err)
		}
	} else {
		parts := strings.Split(value, ":")
		if len(parts) < 3 || len(parts) > 4 {
			return nil, fmt.Errorf("override token must be a JSON file or id:approver:ticket[:environment]")
		}
		token = engine.OverrideToken{ID: parts[0], Approver: parts[1], Ticket: parts[2]}
		if len(parts) == 4 {
			token.Environment = engine.Environment(parts[3])
		}
	}

	if err := validator.New().Struct(&token); err != nil {
		return nil, fmt.Errorf("invalid override token: %w", err)
	}
	return &token, nil
}
