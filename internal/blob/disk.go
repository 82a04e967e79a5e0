package blob

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"census/pkg/platform/sentinel"
)

// Disk is the fixture-backed store: objects live at <root>/<bucket>/<name>
// with metadata alongside in <name>.meta.json.
type Disk struct {
	root string
}

// NewDisk builds a fixture store rooted at root.
func NewDisk(root string) *Disk {
	return &Disk{root: root}
}

func (d *Disk) Get(_ context.Context, name, bucket string) ([]byte, map[string]string, error) {
	path, err := d.path(name, bucket)
	if err != nil {
		return nil, nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, fmt.Errorf("blob %s/%s: %w", bucket, name, sentinel.ErrNotFound)
		}
		return nil, nil, fmt.Errorf("read blob %s/%s: %w", bucket, name, err)
	}

	metadata := map[string]string{}
	metaRaw, err := os.ReadFile(path + ".meta.json")
	switch {
	case err == nil:
		if err := json.Unmarshal(metaRaw, &metadata); err != nil {
			return nil, nil, fmt.Errorf("decode blob metadata %s/%s: %w", bucket, name, err)
		}
	case errors.Is(err, fs.ErrNotExist):
		// fixtures written before encryption have no metadata file
	default:
		return nil, nil, fmt.Errorf("read blob metadata %s/%s: %w", bucket, name, err)
	}

	return data, metadata, nil
}

func (d *Disk) Put(_ context.Context, data []byte, name, bucket, _ string, metadata map[string]string) error {
	path, err := d.path(name, bucket)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create blob dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write blob %s/%s: %w", bucket, name, err)
	}
	if len(metadata) > 0 {
		metaRaw, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("encode blob metadata: %w", err)
		}
		if err := os.WriteFile(path+".meta.json", metaRaw, 0o644); err != nil {
			return fmt.Errorf("write blob metadata %s/%s: %w", bucket, name, err)
		}
	}
	return nil
}

// path joins root/bucket/name, refusing traversal out of the fixture root.
func (d *Disk) path(name, bucket string) (string, error) {
	joined := filepath.Join(d.root, bucket, filepath.FromSlash(name))
	rootAbs, err := filepath.Abs(d.root)
	if err != nil {
		return "", fmt.Errorf("resolve fixture root: %w", err)
	}
	joinedAbs, err := filepath.Abs(joined)
	if err != nil {
		return "", fmt.Errorf("resolve blob path: %w", err)
	}
	if joinedAbs != rootAbs && !strings.HasPrefix(joinedAbs, rootAbs+string(filepath.Separator)) {
		return "", fmt.Errorf("blob name escapes fixture root: %w", sentinel.ErrInvalidState)
	}
	return joined, nil
}
