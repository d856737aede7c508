package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/autopilot/internal/model"
	"github.com/msageha/autopilot/internal/yaml"
)

// FileStore writes one YAML document per agent under a directory. Writes are
// atomic and keep a .bak of the previous version; a corrupted file is
// quarantined and its backup restored on the next Load.
type FileStore struct {
	guard
	dir string
}

func NewFileStore(dir string) *FileStore {
	return &FileStore{guard: newGuard(), dir: dir}
}

func (f *FileStore) path(agentID string) string {
	return filepath.Join(f.dir, agentID+".yaml")
}

func (f *FileStore) Load(ctx context.Context, agentID string) (*ModelState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := model.ValidateAgentID(agentID); err != nil {
		return nil, err
	}
	path := f.path(agentID)
	state, err := readState(path)
	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, yaml.ErrNewerSchema) {
		return state, err
	}

	restored, recErr := yaml.Recover(f.dir, path)
	if recErr != nil {
		return nil, fmt.Errorf("%w (recovery failed: %v)", err, recErr)
	}
	if !restored {
		return nil, ErrNotFound
	}
	return readState(path)
}

func readState(path string) (*ModelState, error) {
	content, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read model state: %w", err)
	}
	if _, err := yaml.CheckHeader(content, yaml.FileTypeModelState); err != nil {
		return nil, fmt.Errorf("model state %s: %w", path, err)
	}
	var state ModelState
	if err := yamlv3.Unmarshal(content, &state); err != nil {
		return nil, fmt.Errorf("parse model state: %w", err)
	}
	return &state, nil
}

func (f *FileStore) Save(ctx context.Context, agentID string, state *ModelState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := model.ValidateAgentID(agentID); err != nil {
		return err
	}
	state.Header = yaml.NewHeader(yaml.FileTypeModelState)
	if err := yaml.Write(f.path(agentID), state, yaml.WithBackup()); err != nil {
		return fmt.Errorf("write model state: %w", err)
	}
	return nil
}

func (f *FileStore) Update(ctx context.Context, agentID string, fn func(*ModelState)) error {
	return f.run(ctx, f, agentID, fn)
}
