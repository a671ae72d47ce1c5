// Package envfile reads the variables envsync propagates from dotenv /
// environment.d style files (NAME=VALUE lines, '#' comments, optional
// quoting and "export" prefixes, $VAR expansion).
package envfile

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/subosito/gotenv"
)

// Read parses the file at path. A missing file yields an error wrapping
// os.ErrNotExist.
func Read(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("env file: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse parses r strictly: any malformed line fails the whole file.
func Parse(r io.Reader) (map[string]string, error) {
	env, err := gotenv.StrictParse(r)
	if err != nil {
		return nil, fmt.Errorf("env file: %w", err)
	}
	return map[string]string(env), nil
}

// ParseAssignments parses NAME=VALUE command line arguments.
func ParseAssignments(args []string) (map[string]string, error) {
	out := make(map[string]string, len(args))
	for _, a := range args {
		k, v, ok := strings.Cut(a, "=")
		if !ok {
			return nil, fmt.Errorf("invalid assignment %q (want NAME=VALUE)", a)
		}
		if k == "" {
			return nil, fmt.Errorf("invalid assignment %q: empty name", a)
		}
		out[k] = v
	}
	return out, nil
}
