package executor

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"flaccy/core/models"
	"flaccy/storage"
)

// buildArchive writes <dir>/<title>.zip holding every stored file as <title>/<display name>.
// Entries are read back from the artifact store so remote backends work too.
func buildArchive(ctx context.Context, backend storage.Backend, dir, title string, files []models.ResultFile) (string, error) {
	archivePath := filepath.Join(dir, title+".zip")
	out, err := os.Create(archivePath)
	if err != nil {
		return "", fmt.Errorf("create archive: %w", err)
	}

	zw := zip.NewWriter(out)
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			zw.Close()
			out.Close()
			return "", err
		}
		if err := addEntry(ctx, zw, backend, path.Join(title, storage.SafeName(f.Name)), f.Filename); err != nil {
			zw.Close()
			out.Close()
			return "", err
		}
	}

	if err := zw.Close(); err != nil {
		out.Close()
		return "", fmt.Errorf("finish archive: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("close archive: %w", err)
	}
	return archivePath, nil
}

func addEntry(ctx context.Context, zw *zip.Writer, backend storage.Backend, name, key string) error {
	rc, info, err := backend.Open(ctx, key)
	if err != nil {
		return fmt.Errorf("open %s: %w", key, err)
	}
	defer rc.Close()

	header := &zip.FileHeader{Name: name, Method: zip.Deflate}
	header.Modified = info.ModTime
	w, err := zw.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("add %s: %w", name, err)
	}
	if _, err := io.Copy(w, rc); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}
