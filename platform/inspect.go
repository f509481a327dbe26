package platform

import (
	"fmt"
	"slices"
	"strings"

	"github.com/ZenLiuCN/fn"
	"github.com/pkujhd/goloader"
	"github.com/pkujhd/goloader/obj"
)

// Inspect lists the symbols inside a Go object file.
func Inspect(file, pkg string) ([]string, error) {
	return goloader.Parse(file, pkg)
}

// Info contains the imports of a Go object.
type Info struct {
	File    string
	PkgPath string
	Imports map[string]string // import path to module version, empty outside modules
}

func (i Info) String() string {
	s := strings.Builder{}
	keys := fn.MapKeys(i.Imports)
	slices.Sort(keys)
	for _, p := range keys {
		if v := i.Imports[p]; v != "" {
			s.WriteString(fmt.Sprintf("\t%s@%s\n", p, v))
		} else {
			s.WriteString(fmt.Sprintf("\t%s\n", p))
		}
	}
	return s.String()
}

// ObjectImports resolves the packages imported by a Go object and, for module
// dependencies, their versions.
func ObjectImports(file, pkgPath string) (*Info, error) {
	v := &obj.Pkg{Syms: make(map[string]*obj.ObjSymbol), File: file, PkgPath: pkgPath}
	if v.PkgPath == obj.EmptyString {
		v.PkgPath = "main"
	}
	if err := v.Symbols(); err != nil {
		return nil, err
	}
	info := &Info{File: file, PkgPath: v.PkgPath, Imports: make(map[string]string)}
	for _, pkg := range v.ImportPkgs {
		info.Imports[pkg] = ""
	}
	keys := fn.MapKeys(info.Imports)
	for _, f := range v.CUFiles {
		f = strings.TrimPrefix(f, "gofile..")
		if strings.HasPrefix(f, "$GOROOT") {
			continue
		}
		if strings.IndexByte(f, '!') >= 0 {
			f = unescapeModule(f)
		}
		for _, k := range keys {
			x := strings.Index(f, k)
			if x < 0 || info.Imports[k] != "" {
				continue
			}
			rest := f[x:]
			at := strings.IndexByte(rest, '@')
			if at < 0 {
				continue
			}
			ver := rest[at+1:]
			if sl := strings.IndexByte(ver, '/'); sl >= 0 {
				ver = ver[:sl]
			}
			info.Imports[k] = ver
		}
	}
	return info, nil
}

// module cache paths escape upper case letters as '!' followed by the lower case letter
func unescapeModule(f string) string {
	v := strings.Builder{}
	x := false
	for _, i := range []byte(f) {
		switch {
		case i == '!':
			x = true
		case x:
			x = false
			v.WriteByte(i - 32)
		default:
			v.WriteByte(i)
		}
	}
	return v.String()
}
