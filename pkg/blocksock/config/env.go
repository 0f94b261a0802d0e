package config

import (
	"os"
	"strings"

	"github.com/zclconf/go-cty/cty"
)

// GetEnvObject returns the process environment as the env constant.
func GetEnvObject() cty.Value {
	return EnvObject(os.Environ())
}

// EnvObject turns KEY=value pairs into an object whose attribute names are
// valid HCL identifiers, so scripts can write env.HOME. Characters HCL
// rejects become underscores. When two variables map to the same name, the
// one that needed no rewriting wins, otherwise the first one seen.
// Entries with an empty name, such as the per-drive variables on Windows,
// are skipped.
func EnvObject(environ []string) cty.Value {
	attrs := make(map[string]cty.Value, len(environ))
	exact := make(map[string]bool, len(environ))

	for _, entry := range environ {
		name, value, ok := strings.Cut(entry, "=")
		if !ok || name == "" {
			continue
		}

		attr := envAttrName(name)
		isExact := attr == name
		if _, seen := attrs[attr]; seen && (exact[attr] || !isExact) {
			continue
		}

		attrs[attr] = cty.StringVal(value)
		exact[attr] = isExact
	}

	return cty.ObjectVal(attrs)
}

func envAttrName(name string) string {
	first := true
	return strings.Map(func(r rune) rune {
		ok := r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
		if !first {
			ok = ok || r == '-' || (r >= '0' && r <= '9')
		}
		first = false

		if !ok {
			return '_'
		}
		return r
	}, name)
}
