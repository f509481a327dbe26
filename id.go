package live

import (
	"path/filepath"
	"strings"

	"github.com/ZenLiuCN/live/toolchain"
)

// matchExt reports the stem of name when its suffix is one of exts. The empty suffix
// matches names without extension.
func matchExt(name string, exts []string) (string, bool) {
	ext := filepath.Ext(name)
	for _, e := range exts {
		if e == ext {
			return strings.TrimSuffix(name, ext), true
		}
	}
	return "", false
}

// CanonicalID is the registry key of a script: its path relative to the root with every
// separator replaced by [toolchain.Separator] and a recognized extension removed.
//
//	CanonicalID("math/trig.c", ".c", "") == "math$trig"
func CanonicalID(rel string, exts ...string) string {
	rel = strings.TrimPrefix(filepath.ToSlash(filepath.Clean(rel)), "./")
	rel = strings.ReplaceAll(rel, `\`, "/")
	if stem, ok := matchExt(rel, exts); ok && stem != "" {
		rel = stem
	}
	return strings.ReplaceAll(rel, "/", string(toolchain.Separator))
}
