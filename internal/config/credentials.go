package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Credentials is the account material used for authenticated writes. ID is
// a handle or DID, Pass an app password.
type Credentials struct {
	ID   string `yaml:"id"`
	Pass string `yaml:"pass"`
}

// LoadCredentials reads and validates a credentials file (bluesky.yml).
func LoadCredentials(path string) (*Credentials, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials file: %w", err)
	}

	var creds Credentials
	if err := yaml.Unmarshal(raw, &creds); err != nil {
		return nil, fmt.Errorf("failed to parse credentials file: %w", err)
	}
	if creds.ID == "" || creds.Pass == "" {
		return nil, fmt.Errorf("credentials file %s must set both id and pass", path)
	}

	return &creds, nil
}
