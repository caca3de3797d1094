package engine

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rodrigopitanga/patchvec/internal/pverr"
)

// Archive snapshots the entire collection directory as a gzipped tar
// stream, taken under the collection lock so no writer is mid-flight.
func (e *Engine) Archive(ctx context.Context, tenant, name string) ([]byte, error) {
	col, err := e.get(tenant, name)
	if err != nil {
		return nil, err
	}
	if err := col.lockReady(); err != nil {
		return nil, err
	}
	defer col.mu.Unlock()

	if err := col.backend.Save(ctx); err != nil {
		return nil, pverr.Wrap(pverr.CodeInternal, err, "flushing backend before archive")
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	err = filepath.Walk(col.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(col.dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return nil, pverr.Wrap(pverr.CodeInternal, err, "archiving collection")
	}
	if err := tw.Close(); err != nil {
		return nil, pverr.Wrap(pverr.CodeInternal, err, "finalising archive")
	}
	if err := gz.Close(); err != nil {
		return nil, pverr.Wrap(pverr.CodeInternal, err, "compressing archive")
	}
	return buf.Bytes(), nil
}

// Restore replaces the collection with the archived snapshot. The
// operation is destructive: an existing collection of the same name is
// deleted first.
func (e *Engine) Restore(ctx context.Context, tenant, name string, data []byte) error {
	if err := validateSlugs(tenant, name); err != nil {
		return err
	}

	if e.catalog.Exists(tenant, name) {
		if err := e.DeleteCollection(ctx, tenant, name); err != nil {
			return err
		}
	}

	dir := e.catalog.CollectionDir(tenant, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return pverr.Wrap(pverr.CodeInternal, err, "creating collection directory")
	}
	if err := extractArchive(data, dir); err != nil {
		os.RemoveAll(dir)
		return err
	}

	// The archive may come from a differently-named collection; the
	// manifest is rewritten to the restore target before the lazy load
	// reads it.
	manifest, err := readManifest(dir)
	if err != nil {
		os.RemoveAll(dir)
		return pverr.Wrap(pverr.CodeInvalidRequest, err, "archive has no collection manifest")
	}
	manifest.Tenant = tenant
	manifest.Name = name
	restored := &Collection{tenant: tenant, name: name, dir: dir, manifest: manifest}
	if err := restored.writeManifest(); err != nil {
		os.RemoveAll(dir)
		return pverr.Wrap(pverr.CodeInternal, err, "rewriting restored manifest")
	}

	e.logger.Info("collection restored")
	return nil
}

// extractArchive unpacks the gzipped tar into dir, rejecting entries
// that escape it.
func extractArchive(data []byte, dir string) error {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return pverr.Wrap(pverr.CodeInvalidRequest, err, "archive is not gzip")
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return pverr.Wrap(pverr.CodeInvalidRequest, err, "reading archive")
		}

		clean := filepath.Clean(hdr.Name)
		if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
			return pverr.New(pverr.CodeInvalidRequest, "archive entry %q escapes the collection directory", hdr.Name)
		}
		target := filepath.Join(dir, clean)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return pverr.Wrap(pverr.CodeInternal, err, "creating directory %s", clean)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return pverr.Wrap(pverr.CodeInternal, err, "creating parent for %s", clean)
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, fileMode(hdr))
			if err != nil {
				return pverr.Wrap(pverr.CodeInternal, err, "creating file %s", clean)
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return pverr.Wrap(pverr.CodeInternal, err, "extracting %s", clean)
			}
			f.Close()
		default:
			return pverr.New(pverr.CodeInvalidRequest, "archive entry %q has unsupported type", hdr.Name)
		}
	}
}

func fileMode(hdr *tar.Header) os.FileMode {
	mode := os.FileMode(hdr.Mode & 0o777)
	if mode == 0 {
		mode = 0o644
	}
	return mode
}
