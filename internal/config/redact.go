package config

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/flemzord/jobd/internal/security"
)

// Redacted returns the configuration as a generic document with secret
// values replaced, for display.
func (c *Config) Redacted(r *security.Redactor) (map[string]any, error) {
	raw, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("config: encoding: %w", err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("config: decoding: %w", err)
	}
	for _, j := range c.Jobs {
		r.AddEnvSecrets(j.Env)
	}
	r.RedactMap(doc)
	return doc, nil
}
