package config

import (
	"fmt"
	"os"
	"strings"
)

// placeholder forms:
//
//	{$VAR}          environment variable, empty with a warning when unset
//	{$VAR:default}  environment variable with fallback
//	{env.VAR}       environment variable, empty with a warning when unset
//	{file./path}    file contents with one trailing newline removed
type placeholderResolver struct {
	prefix  string
	resolve func(body string) (val string, warn string, err error)
}

var placeholderResolvers = []placeholderResolver{
	{prefix: "{$", resolve: resolveEnvDefault},
	{prefix: "{env.", resolve: resolveEnv},
	{prefix: "{file.", resolve: resolveFile},
}

func resolvePlaceholders(in string) (string, []string, []string) {
	if !strings.Contains(in, "{") {
		return in, nil, nil
	}

	var (
		out   strings.Builder
		errs  []string
		warns []string
	)
	out.Grow(len(in))

scan:
	for i := 0; i < len(in); {
		for _, r := range placeholderResolvers {
			if !strings.HasPrefix(in[i:], r.prefix) {
				continue
			}
			start := i + len(r.prefix)
			end := strings.IndexByte(in[start:], '}')
			if end == -1 {
				errs = append(errs, fmt.Sprintf("unterminated %s...} placeholder", r.prefix))
				out.WriteString(in[i:])
				break scan
			}
			val, warn, err := r.resolve(in[start : start+end])
			if err != nil {
				errs = append(errs, err.Error())
			}
			if warn != "" {
				warns = append(warns, warn)
			}
			out.WriteString(val)
			i = start + end + 1
			continue scan
		}
		out.WriteByte(in[i])
		i++
	}

	return out.String(), errs, warns
}

func resolveEnvDefault(body string) (string, string, error) {
	name, def, hasDef := strings.Cut(body, ":")
	if val, ok := os.LookupEnv(name); ok && name != "" {
		return val, "", nil
	}
	if hasDef {
		return def, "", nil
	}
	return resolveEnv(name)
}

func resolveEnv(name string) (string, string, error) {
	if name == "" {
		return "", "", fmt.Errorf("empty env var name in placeholder")
	}
	if val, ok := os.LookupEnv(name); ok {
		return val, "", nil
	}
	return "", fmt.Sprintf("env var %q not set; replaced with empty string", name), nil
}

func resolveFile(path string) (string, string, error) {
	if path == "" {
		return "", "", fmt.Errorf("empty path in {file.*} placeholder")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", "", fmt.Errorf("file placeholder %q: %v", path, err)
	}
	return strings.TrimSuffix(strings.TrimSuffix(string(b), "\n"), "\r"), "", nil
}
