package shaders

import (
	"io/fs"
	"os"

	"go.uber.org/zap"

	"github.com/fxnlabs/gpufx/internal/gpu"
)

// Loader re-reads kernel sources from a directory tree laid out like the
// embedded one. It is the development path: any failure is logged and the
// embedded text is used instead.
type Loader struct {
	FS          fs.FS
	Dir         string
	IncludeDirs []string
	Logger      *zap.Logger
}

// NewLoader returns a Loader over the directory root, which must contain
// src/ and include/ like the embedded tree. Extra include directories are
// resolved relative to root.
func NewLoader(root string, includeDirs []string, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{
		FS:          os.DirFS(root),
		Dir:         SourceDir,
		IncludeDirs: append([]string{IncludeDir}, includeDirs...),
		Logger:      logger.Named("shaders"),
	}
}

// Load returns the flattened on-disk source for entry, or embedded if the
// file cannot be read or its includes cannot be resolved.
func (l *Loader) Load(entry string, dialect gpu.Dialect, embedded string) string {
	p := SourcePath(l.Dir, entry, dialect)
	src, err := Flatten(l.FS, p, l.IncludeDirs)
	if err != nil {
		l.Logger.Warn("Falling back to embedded shader source",
			zap.String("entry", entry),
			zap.String("path", p),
			zap.Error(err))
		return embedded
	}
	l.Logger.Debug("Loaded shader source from disk", zap.String("entry", entry), zap.String("path", p))
	return src
}
