package shaders

import (
	"errors"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strings"

	"github.com/fxnlabs/gpufx/internal/gpu"
)

const includeDirective = "#include"

// Flatten reads name from fsys and recursively expands quoted
// #include "file" directives. An include is resolved against the including
// file's directory first, then against each of includeDirs in order.
// Angle-bracket and single-quote includes are left untouched for the native
// compiler. Circular or missing includes fail with gpu.ErrIncludeResolution.
func Flatten(fsys fs.FS, name string, includeDirs []string) (string, error) {
	var b strings.Builder
	if err := expand(fsys, path.Clean(name), includeDirs, nil, &b); err != nil {
		return "", err
	}
	return b.String(), nil
}

func expand(fsys fs.FS, name string, includeDirs, stack []string, out *strings.Builder) error {
	if slices.Contains(stack, name) {
		return fmt.Errorf("%w: circular include at %s (via %s)", gpu.ErrIncludeResolution, name, strings.Join(stack, " -> "))
	}
	text, err := fs.ReadFile(fsys, name)
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", gpu.ErrIncludeResolution, name, err)
	}
	stack = append(stack, name)

	lines := strings.Split(string(text), "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	for _, line := range lines {
		line = strings.TrimSuffix(line, "\r")
		inc, ok := quotedInclude(line)
		if !ok {
			out.WriteString(line)
			out.WriteByte('\n')
			continue
		}
		found, err := resolve(fsys, path.Dir(name), inc, includeDirs)
		if err != nil {
			return err
		}
		if err := expand(fsys, found, includeDirs, stack, out); err != nil {
			return err
		}
	}
	return nil
}

// quotedInclude extracts the target of a `#include "x"` line.
func quotedInclude(line string) (string, bool) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(line), includeDirective)
	if !ok {
		return "", false
	}
	rest = strings.TrimSpace(rest)
	if len(rest) < 2 || rest[0] != '"' || rest[len(rest)-1] != '"' {
		return "", false
	}
	return rest[1 : len(rest)-1], true
}

func resolve(fsys fs.FS, parent, inc string, includeDirs []string) (string, error) {
	candidates := make([]string, 0, len(includeDirs)+1)
	candidates = append(candidates, path.Join(parent, inc))
	for _, dir := range includeDirs {
		candidates = append(candidates, path.Join(dir, inc))
	}
	for _, c := range candidates {
		if _, err := fs.Stat(fsys, c); err == nil {
			return c, nil
		} else if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: stat %s: %v", gpu.ErrIncludeResolution, c, err)
		}
	}
	return "", fmt.Errorf("%w: include not found: %s", gpu.ErrIncludeResolution, inc)
}
