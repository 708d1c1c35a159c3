package runsync

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
)

// 📦 Copier performs a recursive, structure-preserving directory copy.
type Copier interface {
	CopyTree(ctx context.Context, source, destination string) error
}

// MetadataError reports failures to replicate OS-level metadata
// (permissions, timestamps) on content that was already copied correctly.
// Callers treat it as benign: the bytes are all in place.
type MetadataError struct {
	Errs []error
}

func (e *MetadataError) Error() string {
	msgs := make([]string, 0, len(e.Errs))
	for _, err := range e.Errs {
		msgs = append(msgs, err.Error())
	}
	return "metadata not preserved: " + strings.Join(msgs, "; ")
}

// 🏭 NewTreeCopier returns the default Copier. Paths matching any of the
// excludeGlobs (doublestar patterns, relative to the source root) are
// skipped entirely.
func NewTreeCopier(excludeGlobs []string) Copier {
	return &treeCopier{excludeGlobs: excludeGlobs}
}

type treeCopier struct {
	excludeGlobs []string
}

// CopyTree copies source into destination, which must not yet exist.
// Content failures abort the copy; metadata-only failures are collected and
// returned as a single *MetadataError once everything else succeeded.
func (c *treeCopier) CopyTree(ctx context.Context, source, destination string) error {
	logger := zerolog.Ctx(ctx)

	srcInfo, err := os.Stat(source)
	if err != nil {
		return errors.Errorf("statting source %s: %w", source, err)
	}
	if !srcInfo.IsDir() {
		return errors.Errorf("source %s is not a directory", source)
	}

	if err := os.Mkdir(destination, srcInfo.Mode().Perm()|0o200); err != nil {
		return errors.Errorf("creating destination %s: %w", destination, err)
	}

	var metaErrs []error

	err = filepath.WalkDir(source, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return errors.Errorf("walking %s: %w", path, walkErr)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path == source {
			return nil
		}

		rel, err := filepath.Rel(source, path)
		if err != nil {
			return errors.Errorf("relativizing %s: %w", path, err)
		}
		if c.excluded(rel) {
			logger.Debug().Str("path", rel).Msg("excluded from copy")
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		target := filepath.Join(destination, rel)

		switch {
		case d.IsDir():
			info, err := d.Info()
			if err != nil {
				return errors.Errorf("statting directory %s: %w", path, err)
			}
			if err := os.Mkdir(target, info.Mode().Perm()|0o200); err != nil {
				return errors.Errorf("creating directory %s: %w", target, err)
			}
		case d.Type().IsRegular():
			if err := c.copyFile(path, target, &metaErrs); err != nil {
				return err
			}
		default:
			// Sockets, devices, symlinks: nothing a run directory should
			// contain, and nothing worth failing the sync over.
			logger.Debug().Str("path", rel).Msg("skipping irregular file")
		}
		return nil
	})
	if err != nil {
		return err
	}

	if len(metaErrs) > 0 {
		return &MetadataError{Errs: metaErrs}
	}
	return nil
}

// copyFile copies one regular file's contents, then best-effort replicates
// its mode and mtime. Metadata failures land in metaErrs, not the return.
func (c *treeCopier) copyFile(source, target string, metaErrs *[]error) error {
	in, err := os.Open(source)
	if err != nil {
		return errors.Errorf("opening %s: %w", source, err)
	}
	defer in.Close()

	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return errors.Errorf("creating %s: %w", target, err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return errors.Errorf("copying %s: %w", source, err)
	}
	if err := out.Close(); err != nil {
		return errors.Errorf("closing %s: %w", target, err)
	}

	info, err := os.Stat(source)
	if err != nil {
		*metaErrs = append(*metaErrs, err)
		return nil
	}
	if err := os.Chmod(target, info.Mode().Perm()); err != nil {
		*metaErrs = append(*metaErrs, err)
	}
	if err := os.Chtimes(target, info.ModTime(), info.ModTime()); err != nil {
		*metaErrs = append(*metaErrs, err)
	}
	return nil
}

func (c *treeCopier) excluded(rel string) bool {
	rel = filepath.ToSlash(rel)
	for _, glob := range c.excludeGlobs {
		if matched, err := doublestar.Match(glob, rel); err == nil && matched {
			return true
		}
	}
	return false
}
