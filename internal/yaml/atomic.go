// Package yaml writes versioned YAML documents atomically and recovers them
// from backups when they turn out unreadable.
package yaml

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"
)

// BackupSuffix names the copy of the previous version kept by WithBackup.
const BackupSuffix = ".bak"

const tempPattern = ".autopilot-tmp-*"

type writeOptions struct {
	backup bool
	perm   os.FileMode
}

type WriteOption func(*writeOptions)

// WithBackup copies an existing file to path+BackupSuffix before replacing it.
func WithBackup() WriteOption {
	return func(o *writeOptions) { o.backup = true }
}

// WithPerm sets the mode of the written file (default 0644).
func WithPerm(perm os.FileMode) WriteOption {
	return func(o *writeOptions) { o.perm = perm }
}

// Write marshals v and writes it atomically.
func Write(path string, v any, opts ...WriteOption) error {
	content, err := yamlv3.Marshal(v)
	if err != nil {
		return fmt.Errorf("yaml marshal: %w", err)
	}
	return WriteRaw(path, content, opts...)
}

// WriteRaw writes content through a temp file in the same directory and a
// rename, so readers see either the old or the new document. Content that does
// not parse as YAML is rejected before anything is replaced.
func WriteRaw(path string, content []byte, opts ...WriteOption) error {
	o := writeOptions{perm: 0644}
	for _, opt := range opts {
		opt(&o)
	}
	if err := validateYAML(content); err != nil {
		return fmt.Errorf("refusing to write invalid yaml: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, tempPattern)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Chmod(o.perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if o.backup {
		if err := copyFile(path, path+BackupSuffix); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("create backup: %w", err)
		}
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}
	return syncDir(dir)
}

// syncDir persists the rename itself.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open dir for sync: %w", err)
	}
	defer func() { _ = d.Close() }()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync dir: %w", err)
	}
	return nil
}

func validateYAML(content []byte) error {
	var v any
	return yamlv3.Unmarshal(content, &v)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
