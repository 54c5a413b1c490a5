// Package archive extracts tool archives with path-traversal
// prevention.
package archive

import (
	"archive/tar"
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/errs"
)

var (
	// Error is the error class for the archive package.
	Error = errs.Class("archive")
	// ErrUnsafePath marks archive members that escape the destination.
	ErrUnsafePath = errs.Class("unsafe archive path")
)

// securePath resolves an archive member against the destination and
// rejects anything that is not a strict descendant. The check uses the
// filesystem's semantic parent relation, never string prefixes: /tmp/root
// is a string prefix of /tmp/root2 but not an ancestor of it.
func securePath(destination, member string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(member))
	if filepath.IsAbs(cleaned) {
		return "", ErrUnsafePath.New("%s: absolute member path", member)
	}
	candidate := filepath.Join(destination, cleaned)
	rel, err := filepath.Rel(destination, candidate)
	if err != nil {
		return "", ErrUnsafePath.New("%s: %v", member, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrUnsafePath.New("%s escapes destination", member)
	}
	return candidate, nil
}

// Extract unpacks an archive into destination, dispatching on the
// archive suffix: .zip, .tar, .tar.gz/.tgz, .tar.zst. A member escaping
// the destination aborts the extraction; nothing extracted so far is
// retained.
func Extract(archivePath, destination string) ([]string, error) {
	extracted, err := extract(archivePath, destination)
	if err != nil {
		for i := len(extracted) - 1; i >= 0; i-- {
			_ = os.Remove(extracted[i])
		}
		return nil, err
	}
	return extracted, nil
}

func extract(archivePath, destination string) ([]string, error) {
	lower := strings.ToLower(archivePath)
	switch {
	case strings.HasSuffix(lower, ".zip"):
		return extractZip(archivePath, destination)
	case strings.HasSuffix(lower, ".tar"):
		return extractTarFile(archivePath, destination, nil)
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return extractTarFile(archivePath, destination, wrapGzip)
	case strings.HasSuffix(lower, ".tar.zst"):
		return extractTarFile(archivePath, destination, wrapZstd)
	default:
		return nil, Error.New("unsupported archive format: %s", filepath.Base(archivePath))
	}
}

func extractZip(archivePath, destination string) ([]string, error) {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { _ = reader.Close() }()

	var extracted []string
	for _, member := range reader.File {
		target, err := securePath(destination, member.Name)
		if err != nil {
			return extracted, err
		}
		if member.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return extracted, Error.Wrap(err)
			}
			continue
		}
		source, err := member.Open()
		if err != nil {
			return extracted, Error.Wrap(err)
		}
		err = writeMember(target, source, member.Mode())
		_ = source.Close()
		if err != nil {
			return extracted, err
		}
		extracted = append(extracted, target)
	}
	return extracted, nil
}

func wrapGzip(r io.Reader) (io.Reader, func(), error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, nil, err
	}
	return gz, func() { _ = gz.Close() }, nil
}

func wrapZstd(r io.Reader) (io.Reader, func(), error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, nil, err
	}
	return zr, zr.Close, nil
}

func extractTarFile(archivePath, destination string, wrap func(io.Reader) (io.Reader, func(), error)) ([]string, error) {
	file, err := os.Open(archivePath)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { _ = file.Close() }()

	var reader io.Reader = file
	if wrap != nil {
		wrapped, cleanup, err := wrap(file)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		defer cleanup()
		reader = wrapped
	}

	tarReader := tar.NewReader(reader)
	var extracted []string
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			return extracted, nil
		}
		if err != nil {
			return extracted, Error.Wrap(err)
		}
		target, err := securePath(destination, header.Name)
		if err != nil {
			return extracted, err
		}
		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return extracted, Error.Wrap(err)
			}
		case tar.TypeReg:
			if err := writeMember(target, tarReader, os.FileMode(header.Mode)); err != nil {
				return extracted, err
			}
			extracted = append(extracted, target)
		case tar.TypeSymlink, tar.TypeLink:
			// Links can alias paths outside the destination; tool
			// archives do not need them.
			return extracted, ErrUnsafePath.New("%s: links are not extracted", header.Name)
		}
	}
}

func writeMember(target string, source io.Reader, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return Error.Wrap(err)
	}
	perm := mode.Perm()
	if perm == 0 {
		perm = 0o644
	}
	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return Error.Wrap(err)
	}
	if _, err := io.Copy(out, source); err != nil {
		_ = out.Close()
		return Error.Wrap(err)
	}
	return Error.Wrap(out.Close())
}
