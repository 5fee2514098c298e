// Package security scrubs secrets from daemon logs and keeps them out of
// child process environments.
package security

import (
	"cmp"
	"regexp"
	"slices"
	"strings"
	"sync"
)

// RedactPlaceholder is the replacement string for redacted secrets.
const RedactPlaceholder = "***REDACTED***"

// minSecretLen is the shortest job env value treated as a secret literal.
// Shorter values ("1", "yes") would redact unrelated log text.
const minSecretLen = 6

// secretKeyPattern matches names that likely hold secrets.
var secretKeyPattern = regexp.MustCompile(`(?i)(secret|token|password|passwd|key|credential|auth)`)

// IsSecretName reports whether a variable or config key name looks like it
// holds a secret.
func IsSecretName(name string) bool {
	return secretKeyPattern.MatchString(name)
}

// Redactor replaces secret values in strings and maps with a redaction placeholder.
// It supports both regex pattern matching (for known token formats) and
// literal value matching (for secrets learned at runtime, such as job
// environment values).
// All methods are safe for concurrent use.
type Redactor struct {
	mu       sync.RWMutex
	patterns []*regexp.Regexp
	literals []string
}

// NewRedactor creates a Redactor pre-loaded with DefaultPatterns.
func NewRedactor() *Redactor {
	return &Redactor{
		patterns: DefaultPatterns(),
	}
}

// AddPattern adds a compiled regex pattern to the redactor.
func (r *Redactor) AddPattern(pattern *regexp.Regexp) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.patterns = append(r.patterns, pattern)
}

// AddLiteral adds a literal secret value that should be redacted on sight.
// Empty and already known values are ignored.
func (r *Redactor) AddLiteral(secret string) {
	if secret == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addLiteralLocked(secret)
}

func (r *Redactor) addLiteralLocked(secret string) {
	if slices.Contains(r.literals, secret) {
		return
	}
	r.literals = append(r.literals, secret)
	// Longest first, so a secret containing another is replaced whole.
	slices.SortStableFunc(r.literals, func(a, b string) int {
		return cmp.Compare(len(b), len(a))
	})
}

// AddEnvSecrets learns the values of secret-named variables in env.
func (r *Redactor) AddEnvSecrets(env map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, v := range env {
		if len(v) >= minSecretLen && IsSecretName(k) {
			r.addLiteralLocked(v)
		}
	}
}

// Literals returns a copy of the known literal secrets.
func (r *Redactor) Literals() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.literals)
}

// Redact replaces all known secret patterns and literal values in s
// with RedactPlaceholder.
func (r *Redactor) Redact(s string) string {
	if s == "" {
		return s
	}

	r.mu.RLock()
	patterns := r.patterns
	literals := r.literals
	r.mu.RUnlock()

	// Literals first: a pattern could otherwise consume part of one.
	for _, lit := range literals {
		if strings.Contains(s, lit) {
			s = strings.ReplaceAll(s, lit, RedactPlaceholder)
		}
	}

	for _, p := range patterns {
		s = p.ReplaceAllString(s, RedactPlaceholder)
	}

	return s
}

// RedactMap walks a decoded YAML or JSON document and replaces values
// whose keys look secret, plus any string containing a known secret.
// Used to print the effective configuration.
func (r *Redactor) RedactMap(m map[string]any) {
	for k, v := range m {
		if IsSecretName(k) {
			if s, ok := v.(string); ok && s != "" {
				m[k] = RedactPlaceholder
				continue
			}
			// Fall through to handle nested maps/slices under secret-named keys.
		}
		switch val := v.(type) {
		case map[string]any:
			r.RedactMap(val)
		case []any:
			for i, item := range val {
				switch sub := item.(type) {
				case map[string]any:
					r.RedactMap(sub)
				case string:
					val[i] = r.Redact(sub)
				}
			}
		case string:
			if redacted := r.Redact(val); redacted != val {
				m[k] = redacted
			}
		}
	}
}

// DefaultPatterns returns compiled regex patterns for common token formats.
func DefaultPatterns() []*regexp.Regexp {
	return []*regexp.Regexp{
		// Authorization header values.
		regexp.MustCompile(`(?i)bearer [a-z0-9._~+/\-]{8,}=*`),
		// GitHub: ghp_, gho_, ghs_, github_pat_
		regexp.MustCompile(`(ghp_|gho_|ghs_|github_pat_)[a-zA-Z0-9_]{20,}`),
		// AWS Access Key ID
		regexp.MustCompile(`AKIA[A-Z0-9]{16}`),
		// Slack bot and user tokens
		regexp.MustCompile(`xox[bp]-[0-9]+-[a-zA-Z0-9]+`),
		// API keys of the sk-... family
		regexp.MustCompile(`sk-[a-zA-Z0-9\-]{20,}`),
	}
}
