package app

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

type envPair struct {
	key, value string
}

// loadDotenv exports the pairs from path. Variables that are already set to
// a non-empty value keep it.
func loadDotenv(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	pairs, err := parseDotenv(f)
	if err != nil {
		return err
	}
	for _, p := range pairs {
		if cur, ok := os.LookupEnv(p.key); ok && cur != "" {
			continue
		}
		if err := os.Setenv(p.key, p.value); err != nil {
			return fmt.Errorf(".env %s: %w", p.key, err)
		}
	}
	return nil
}

func parseDotenv(r io.Reader) ([]envPair, error) {
	var out []envPair
	sc := bufio.NewScanner(r)
	for lineNo := 1; sc.Scan(); lineNo++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))

		key, val, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf(".env line %d: missing '='", lineNo)
		}
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, fmt.Errorf(".env line %d: empty key", lineNo)
		}
		val, err := unquoteDotenvValue(strings.TrimSpace(val))
		if err != nil {
			return nil, fmt.Errorf(".env line %d: %w", lineNo, err)
		}
		out = append(out, envPair{key: key, value: val})
	}
	return out, sc.Err()
}

func unquoteDotenvValue(val string) (string, error) {
	if len(val) < 2 {
		return val, nil
	}
	switch {
	case val[0] == '"' && val[len(val)-1] == '"':
		return strconv.Unquote(val)
	case val[0] == '\'' && val[len(val)-1] == '\'':
		return val[1 : len(val)-1], nil
	}
	return val, nil
}
