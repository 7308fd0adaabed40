// Package auth loads the bearer credential used for both the REST API and
// the WebSocket authentication challenge.
package auth

import (
	"fmt"
	"os"
	"strings"
)

// EnvToken is the environment variable consulted when no explicit token or
// token file is configured.
const EnvToken = "PROCTOR_TOKEN"

// Credentials holds the bearer token relayed to the classification service.
type Credentials struct {
	Token string
}

// LoadCredentials resolves the bearer token. Precedence: the literal token,
// then the token file, then the PROCTOR_TOKEN environment variable.
func LoadCredentials(token, tokenFile string) (*Credentials, error) {
	if token != "" {
		return &Credentials{Token: token}, nil
	}

	if tokenFile != "" {
		data, err := os.ReadFile(tokenFile)
		if err != nil {
			return nil, fmt.Errorf("read token file: %w", err)
		}
		trimmed := strings.TrimSpace(string(data))
		if trimmed == "" {
			return nil, fmt.Errorf("token file %s is empty", tokenFile)
		}
		return &Credentials{Token: trimmed}, nil
	}

	if env := strings.TrimSpace(os.Getenv(EnvToken)); env != "" {
		return &Credentials{Token: env}, nil
	}

	return nil, fmt.Errorf("no bearer token: set service.token, service.token_file, or %s", EnvToken)
}
