package security

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// sensitiveEnvPrefixes are environment variable prefixes that are stripped
// from child environments to keep the daemon's own credentials out of jobs.
// Entries here cover all variables with these prefixes; for variables that
// require exact matching only, see sensitiveEnvExact.
var sensitiveEnvPrefixes = []string{
	"JOBD_GATEWAY_",
	"AWS_SECRET",
	"AWS_SESSION_TOKEN",
	"GITHUB_TOKEN",
	"GH_TOKEN",
	"GITLAB_TOKEN",
	"SLACK_TOKEN",
	"SLACK_BOT_TOKEN",
	"SMTP_PASSWORD",
	"OPENAI_",
	"ANTHROPIC_",
	"OTEL_EXPORTER_OTLP_HEADERS",
}

// sensitiveEnvExact are environment variable names that are stripped exactly.
// DATABASE_URL and DB_PASSWORD are exact-only to avoid over-blocking variables
// like DB_PORT or DATABASE_HOST which share the same prefix.
var sensitiveEnvExact = map[string]struct{}{
	"AWS_SECRET_ACCESS_KEY": {},
	"DATABASE_URL":          {},
	"DB_PASSWORD":           {},
	"REDIS_PASSWORD":        {},
}

// SanitizedEnv returns a copy of os.Environ() with sensitive environment
// variables removed. Any of secrets found in the remaining values is
// replaced with RedactPlaceholder.
func SanitizedEnv(secrets []string) []string {
	return sanitize(os.Environ(), secrets)
}

func sanitize(env, secrets []string) []string {
	result := make([]string, 0, len(env))
	for _, entry := range env {
		key, _, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}

		if isSensitiveEnvVar(key) {
			continue
		}

		// Only redact secrets of at least 8 characters to avoid false positives
		// from short values (e.g., "yes", "true", single letters).
		sanitized := entry
		for _, secret := range secrets {
			if len(secret) >= 8 && strings.Contains(sanitized, secret) {
				sanitized = strings.ReplaceAll(sanitized, secret, RedactPlaceholder)
			}
		}

		result = append(result, sanitized)
	}
	return result
}

// isSensitiveEnvVar checks if an environment variable name matches
// a known sensitive prefix or exact name.
func isSensitiveEnvVar(name string) bool {
	upper := strings.ToUpper(name)

	if _, ok := sensitiveEnvExact[upper]; ok {
		return true
	}

	for _, prefix := range sensitiveEnvPrefixes {
		if strings.HasPrefix(upper, prefix) {
			return true
		}
	}

	return false
}

// ErrRestrictedPath is returned when a path points into a pseudo
// filesystem (/proc, /sys, /dev).
var ErrRestrictedPath = errors.New("access to restricted path is not allowed")

// ValidatePath checks that a path the daemon is asked to write does not
// point into /proc, /sys or /dev. The path is resolved to an absolute path
// and symlinks are followed (best-effort) before checking.
func ValidatePath(path string) error {
	cleaned := filepath.Clean(path)
	abs, err := filepath.Abs(cleaned)
	if err == nil {
		cleaned = abs
	}
	// Resolve the parent: the file itself usually does not exist yet.
	if dir, err := filepath.EvalSymlinks(filepath.Dir(cleaned)); err == nil {
		cleaned = filepath.Join(dir, filepath.Base(cleaned))
	}
	normalized := strings.ToLower(cleaned)

	for _, root := range []string{"/proc", "/sys", "/dev"} {
		if normalized == root || strings.HasPrefix(normalized, root+"/") {
			return fmt.Errorf("%w: %s", ErrRestrictedPath, path)
		}
	}
	return nil
}

// EscapeShellArg escapes a string for safe use as a shell argument.
// It wraps the argument in single quotes and escapes any embedded
// single quotes using the standard shell escaping technique.
func EscapeShellArg(s string) string {
	// Replace each ' with '\'' (end quote, escaped quote, start quote).
	escaped := strings.ReplaceAll(s, "'", `'\''`)
	return "'" + escaped + "'"
}
