// Package secrets resolves credential references for tool providers and the
// LLM client. A reference is looked up as an environment variable first
// (exact name, then upper-cased), then as a file under the secrets
// directory.
package secrets

import (
	"os"
	"path/filepath"
	"strings"
)

// DefaultDir is the conventional on-disk location for secret files.
const DefaultDir = ".secrets"

// Resolver resolves secret references.
type Resolver struct {
	dir string
}

// NewResolver creates a resolver rooted at dir. An empty dir uses DefaultDir.
func NewResolver(dir string) *Resolver {
	if dir == "" {
		dir = DefaultDir
	}
	return &Resolver{dir: dir}
}

// Resolve returns the secret value for ref and whether it was found.
// Resolution order: env var ref, env var upper(ref), file <dir>/<ref>.
func (r *Resolver) Resolve(ref string) (string, bool) {
	if ref == "" {
		return "", false
	}
	if v := os.Getenv(ref); v != "" {
		return v, true
	}
	if v := os.Getenv(strings.ToUpper(ref)); v != "" {
		return v, true
	}
	data, err := os.ReadFile(filepath.Join(r.dir, ref))
	if err != nil {
		return "", false
	}
	v := strings.TrimSpace(string(data))
	if v == "" {
		return "", false
	}
	return v, true
}
