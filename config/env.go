package config

import (
	"os"
	"regexp"
	"strconv"

	"github.com/joho/godotenv"
)

var (
	envWithDefaultPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*):-([^}]*)\}`)
	envBracedPattern      = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)
	envBarePattern        = regexp.MustCompile(`\$([A-Za-z_][A-Za-z0-9_]*)`)
)

// LoadEnvFiles loads .env.local then .env into the process environment,
// in that priority order, tolerating either file being absent.
func LoadEnvFiles() {
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load(".env")
}

// expandEnvVars resolves ${VAR:-default}, ${VAR} and $VAR references
// against the current environment, leaving unresolved bare references
// untouched.
func expandEnvVars(s string) string {
	s = envWithDefaultPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := envWithDefaultPattern.FindStringSubmatch(match)
		if v, ok := os.LookupEnv(groups[1]); ok && v != "" {
			return v
		}
		return groups[2]
	})
	s = envBracedPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := envBracedPattern.FindStringSubmatch(match)
		return os.Getenv(groups[1])
	})
	s = envBarePattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := envBarePattern.FindStringSubmatch(match)
		if v, ok := os.LookupEnv(groups[1]); ok {
			return v
		}
		return match
	})
	return s
}

// parseValue coerces an expanded string into bool/int/float when it looks
// like one, otherwise returns the string unchanged. Used when env
// expansion happens inside a generic map[string]any tree (e.g. backend
// bootstrap overrides) rather than a typed struct field.
func parseValue(s string) interface{} {
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// ExpandEnvVarsInData recursively expands env var references inside a
// decoded YAML tree (map[string]interface{} / []interface{} / string).
func ExpandEnvVarsInData(data interface{}) interface{} {
	switch v := data.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, val := range v {
			out[k] = ExpandEnvVarsInData(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, val := range v {
			out[i] = ExpandEnvVarsInData(val)
		}
		return out
	case string:
		expanded := expandEnvVars(v)
		if expanded != v {
			return parseValue(expanded)
		}
		return v
	default:
		return v
	}
}
