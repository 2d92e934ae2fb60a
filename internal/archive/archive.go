// Package archive writes stack directories to tar, compressed tar or folder
// artifacts.
package archive

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"

	"github.com/MacJediWizard/stackarchiver/internal/models"
)

// ErrUnsupportedFormat is returned for an unknown output format.
var ErrUnsupportedFormat = errors.New("unsupported archive format")

// Result describes a written artifact.
type Result struct {
	Path  string `json:"path"`
	Bytes int64  `json:"bytes"`
	Files int    `json:"files"`
}

// Writer creates archive artifacts.
type Writer struct {
	logger zerolog.Logger
}

// NewWriter creates a new Writer.
func NewWriter(logger zerolog.Logger) *Writer {
	return &Writer{
		logger: logger.With().Str("component", "archive").Logger(),
	}
}

// Create archives srcDir to dest in the given format. The artifact is
// written under a temporary name and renamed into place when complete, so
// a failed or interrupted write never leaves a partial artifact at dest.
// Tar entries are rooted at the base name of srcDir.
func (w *Writer) Create(ctx context.Context, srcDir, dest string, format models.OutputFormat) (*Result, error) {
	info, err := os.Stat(srcDir)
	if err != nil {
		return nil, fmt.Errorf("stat source: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("source %s is not a directory", srcDir)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return nil, fmt.Errorf("create destination directory: %w", err)
	}

	tmp := filepath.Join(filepath.Dir(dest), ".partial-"+filepath.Base(dest))
	_ = os.RemoveAll(tmp)

	w.logger.Debug().
		Str("src", srcDir).
		Str("dest", dest).
		Str("format", string(format)).
		Msg("creating archive")

	var files int
	switch format {
	case models.FormatFolder:
		files, err = copyTree(ctx, srcDir, tmp)
	case models.FormatTar, models.FormatTarGz, models.FormatTarZst:
		files, err = writeTarFile(ctx, srcDir, tmp, format)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	if err != nil {
		_ = os.RemoveAll(tmp)
		return nil, err
	}

	if err := os.Rename(tmp, dest); err != nil {
		_ = os.RemoveAll(tmp)
		return nil, fmt.Errorf("finalize archive: %w", err)
	}

	size, err := sizeOf(dest)
	if err != nil {
		return nil, fmt.Errorf("measure archive: %w", err)
	}

	w.logger.Info().
		Str("dest", dest).
		Int("files", files).
		Int64("bytes", size).
		Msg("archive created")

	return &Result{Path: dest, Bytes: size, Files: files}, nil
}

func writeTarFile(ctx context.Context, srcDir, dest string, format models.OutputFormat) (int, error) {
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return 0, fmt.Errorf("create archive file: %w", err)
	}
	defer f.Close()

	var (
		out    io.Writer = f
		closer io.Closer
	)
	switch format {
	case models.FormatTarGz:
		gz := gzip.NewWriter(f)
		out, closer = gz, gz
	case models.FormatTarZst:
		zw, err := zstd.NewWriter(f)
		if err != nil {
			return 0, fmt.Errorf("create zstd writer: %w", err)
		}
		out, closer = zw, zw
	}

	n, err := WriteTar(ctx, out, srcDir)
	if err != nil {
		return n, err
	}
	if closer != nil {
		if err := closer.Close(); err != nil {
			return n, fmt.Errorf("close compressor: %w", err)
		}
	}
	if err := f.Sync(); err != nil {
		return n, fmt.Errorf("sync archive: %w", err)
	}
	return n, f.Close()
}

// WriteTar streams srcDir as a tar archive to out and returns the number of
// entries written. Sockets, devices and pipes are skipped.
func WriteTar(ctx context.Context, out io.Writer, srcDir string) (int, error) {
	tw := tar.NewWriter(out)
	parent := filepath.Dir(filepath.Clean(srcDir))
	count := 0

	err := filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		mode := info.Mode()
		if !mode.IsRegular() && !mode.IsDir() && mode&fs.ModeSymlink == 0 {
			return nil
		}

		var link string
		if mode&fs.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		}

		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(parent, path)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if info.IsDir() && !strings.HasSuffix(hdr.Name, "/") {
			hdr.Name += "/"
		}

		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("write header %s: %w", hdr.Name, err)
		}
		count++

		if !mode.IsRegular() {
			return nil
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		if _, err := io.Copy(tw, src); err != nil {
			return fmt.Errorf("write %s: %w", hdr.Name, err)
		}
		return nil
	})
	if err != nil {
		return count, fmt.Errorf("archive %s: %w", srcDir, err)
	}
	if err := tw.Close(); err != nil {
		return count, fmt.Errorf("close tar: %w", err)
	}
	return count, nil
}

func copyTree(ctx context.Context, srcDir, dest string) (int, error) {
	count := 0
	err := filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)

		info, err := d.Info()
		if err != nil {
			return err
		}
		mode := info.Mode()

		switch {
		case mode.IsDir():
			err = os.MkdirAll(target, mode.Perm()|0700)
		case mode&fs.ModeSymlink != 0:
			var link string
			if link, err = os.Readlink(path); err == nil {
				err = os.Symlink(link, target)
			}
		case mode.IsRegular():
			err = copyFile(path, target, mode.Perm())
		default:
			return nil
		}
		if err != nil {
			return fmt.Errorf("copy %s: %w", rel, err)
		}
		count++
		return nil
	})
	return count, err
}

func copyFile(src, dest string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func sizeOf(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if !info.IsDir() {
		return info.Size(), nil
	}
	var total int64
	err = filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			fi, err := d.Info()
			if err != nil {
				return err
			}
			total += fi.Size()
		}
		return nil
	})
	return total, err
}
