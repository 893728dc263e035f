package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/lmnt-print/printhost/pkg/apierrors"
)

// FileSource 读取 Root 目录下暂存的密文文件。
type FileSource struct {
	Root string
}

// Open 打开 ref 并定位到 offset。ref 必须是 Root 内的相对路径。
func (s FileSource) Open(ctx context.Context, ref string, offset int64) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, context.Cause(ctx)
	}
	path, err := s.resolve(ref)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, apierrors.Wrap(apierrors.CodeDownload, "ciphertext file not found", err).AsFatal()
		}
		return nil, apierrors.Wrap(apierrors.CodeDownload, "open ciphertext file", err)
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, apierrors.Wrap(apierrors.CodeDownload, "seek ciphertext file", err)
		}
	}
	return f, nil
}

func (s FileSource) resolve(ref string) (string, error) {
	ref = strings.TrimPrefix(ref, "file://")
	if ref == "" {
		return "", apierrors.New(apierrors.CodeDownload, "ciphertext ref is empty").AsFatal()
	}
	if s.Root == "" {
		return filepath.Clean(ref), nil
	}
	if filepath.IsAbs(ref) {
		return "", apierrors.New(apierrors.CodeDownload, "ciphertext ref must be relative to the staging root").AsFatal()
	}
	clean := filepath.Clean(ref)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", apierrors.New(apierrors.CodeDownload, fmt.Sprintf("ciphertext ref %q escapes the staging root", ref)).AsFatal()
	}
	return filepath.Join(s.Root, clean), nil
}
