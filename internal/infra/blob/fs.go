package blob

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"imgate/internal/domain"
)

// Dir keeps blobs as files named by their locator.
type Dir struct {
	root string
}

func NewDir(root string) (*Dir, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	return &Dir{root: root}, nil
}

func (d *Dir) path(locator string) (string, error) {
	c, err := ParseLocator(locator)
	if err != nil {
		return "", err
	}
	return filepath.Join(d.root, c.String()), nil
}

func (d *Dir) Fetch(_ context.Context, locator string) ([]byte, error) {
	p, err := d.path(locator)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: blob %s", domain.ErrNotFound, locator)
	}
	if err != nil {
		return nil, unavailable("read blob", err)
	}
	return data, nil
}

func (d *Dir) Put(_ context.Context, _ string, data []byte) (string, error) {
	locator, err := Locator(data)
	if err != nil {
		return "", err
	}
	p := filepath.Join(d.root, locator)
	tmp, err := os.CreateTemp(d.root, ".put-*")
	if err != nil {
		return "", fmt.Errorf("create temp blob: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return "", fmt.Errorf("commit blob: %w", err)
	}
	return locator, nil
}
