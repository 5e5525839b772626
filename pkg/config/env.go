package config

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

var (
	envVarPatterns = struct {
		withDefault *regexp.Regexp
		braced      *regexp.Regexp
		simple      *regexp.Regexp
	}{
		withDefault: regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*):-(.*?)\}`),
		braced:      regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*)\}`),
		simple:      regexp.MustCompile(`\$([A-Z_][A-Z0-9_]*)`),
	}
)

// expandEnvVars resolves every ${VAR}, ${VAR:-default}, and $VAR reference in
// s against the process environment. A ${VAR}/$VAR reference whose variable
// is unset (and which carries no :-default fallback) is left unresolved and
// its name appended to missing; unresolved references are a startup error.
func expandEnvVars(s string) (string, []string) {
	if !strings.Contains(s, "$") {
		return s, nil
	}

	var missing []string

	s = envVarPatterns.withDefault.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPatterns.withDefault.FindStringSubmatch(match)
		if len(parts) == 3 {
			envVar := parts[1]
			defaultVal := parts[2]
			if val, ok := os.LookupEnv(envVar); ok {
				return val
			}
			return defaultVal
		}
		return match
	})

	s = envVarPatterns.braced.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPatterns.braced.FindStringSubmatch(match)
		if len(parts) == 2 {
			if val, ok := os.LookupEnv(parts[1]); ok {
				return val
			}
			missing = append(missing, parts[1])
			return match
		}
		return match
	})

	s = envVarPatterns.simple.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPatterns.simple.FindStringSubmatch(match)
		if len(parts) == 2 {
			if val, ok := os.LookupEnv(parts[1]); ok {
				return val
			}
			missing = append(missing, parts[1])
			return match
		}
		return match
	})

	return s, missing
}

func parseValue(value string) interface{} {

	switch strings.ToLower(value) {
	case "true":
		return true
	case "false":
		return false
	}

	if intVal, err := strconv.Atoi(value); err == nil {
		return intVal
	}

	if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
		return floatVal
	}

	return value
}

// ExpandEnvVarsInData walks data (the generic tree yaml.Unmarshal produces
// into map[string]any) and resolves every env-var reference in every string
// leaf. It returns the expanded tree plus the sorted, de-duplicated list of
// variable names that were referenced but never resolved, so the caller can
// turn a non-empty list into a startup error.
func ExpandEnvVarsInData(data interface{}) (interface{}, []string) {
	missingSet := make(map[string]bool)
	expanded := expandEnvVarsInData(data, missingSet)

	missing := make([]string, 0, len(missingSet))
	for name := range missingSet {
		missing = append(missing, name)
	}
	sort.Strings(missing)
	return expanded, missing
}

func expandEnvVarsInData(data interface{}, missingSet map[string]bool) interface{} {
	switch v := data.(type) {
	case string:
		expanded, missing := expandEnvVars(v)
		for _, name := range missing {
			missingSet[name] = true
		}
		if expanded != v {
			return parseValue(expanded)
		}
		return expanded

	case map[string]interface{}:
		result := make(map[string]interface{}, len(v))
		for key, value := range v {
			result[key] = expandEnvVarsInData(value, missingSet)
		}
		return result

	case []interface{}:
		result := make([]interface{}, len(v))
		for i, item := range v {
			result[i] = expandEnvVarsInData(item, missingSet)
		}
		return result

	default:
		return v
	}
}

func LoadEnvFiles() error {
	envFiles := []string{".env.local", ".env"}

	for _, file := range envFiles {
		if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to load %s: %w", file, err)
		}
	}

	return nil
}

