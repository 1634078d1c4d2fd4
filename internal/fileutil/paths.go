package fileutil

import (
	"path/filepath"
	"strings"
)

// CanonicalPath resolves p to the coordinator's canonical lock/target-file
// form: relative to root when p is absolute, forward-slash normalized, and
// free of trailing slashes, so that "x\a.ts" and "x/a.ts" (or a trailing
// "x/a.ts/") collide in the lock map as required by spec.md §4.5 and the
// §9.4 open question on separator normalization.
func CanonicalPath(root, p string) string {
	if filepath.IsAbs(p) {
		if rel, err := filepath.Rel(root, p); err == nil {
			p = rel
		}
	}
	p = filepath.ToSlash(p)
	p = strings.ReplaceAll(p, `\`, "/")
	p = strings.TrimRight(p, "/")
	return p
}
