// Package shaders holds the embedded kernel sources and the include
// flattener used both at startup and by the development reload path.
package shaders

import (
	"embed"
	"io/fs"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/fxnlabs/gpufx/internal/gpu"
)

// Embedded sources share one layout with the on-disk tree:
// src/<entry><ext> includes headers found in include/.
//
//go:embed src include
var embedded embed.FS

const (
	SourceDir  = "src"
	IncludeDir = "include"
)

var flattened sync.Map // path -> string

// Source returns the flattened embedded source for a kernel in a dialect.
// Results are memoised; embedded text never changes at runtime.
func Source(name string, dialect gpu.Dialect) (string, error) {
	p := SourcePath(SourceDir, name, dialect)
	if v, ok := flattened.Load(p); ok {
		return v.(string), nil
	}
	src, err := Flatten(embedded, p, []string{IncludeDir})
	if err != nil {
		return "", err
	}
	v, _ := flattened.LoadOrStore(p, src)
	return v.(string), nil
}

// SourcePath is the path of a kernel's source file for a dialect.
func SourcePath(dir, name string, dialect gpu.Dialect) string {
	return path.Join(dir, name+dialect.Ext())
}

// Names lists the kernels with an embedded source for dialect.
func Names(dialect gpu.Dialect) []string {
	entries, err := fs.ReadDir(embedded, SourceDir)
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if name, ok := strings.CutSuffix(e.Name(), dialect.Ext()); ok && !e.IsDir() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
