package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/autopilot/internal/yaml"
)

// File is the on-disk layout of a workflow definitions document.
type File struct {
	yaml.Header `yaml:",inline"`
	Workflows   []*Definition `yaml:"workflows"`
}

// Parse decodes and validates a workflow definitions document.
func Parse(content []byte) ([]*Definition, error) {
	if _, err := yaml.CheckHeader(content, yaml.FileTypeWorkflow); err != nil {
		return nil, err
	}
	var f File
	if err := yamlv3.Unmarshal(content, &f); err != nil {
		return nil, fmt.Errorf("parse workflows: %w", err)
	}
	for i, def := range f.Workflows {
		if err := Validate(def); err != nil {
			return nil, fmt.Errorf("workflows[%d] %q: %w", i, idOf(def), err)
		}
	}
	return f.Workflows, nil
}

func idOf(def *Definition) string {
	if def == nil {
		return ""
	}
	return def.ID
}

func LoadFile(path string) ([]*Definition, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	defs, err := Parse(content)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return defs, nil
}

// LoadDir loads every .yaml/.yml file directly under dir in name order. A
// missing directory yields no definitions. Duplicate ids across files fail.
func LoadDir(dir string) ([]*Definition, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read workflow dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !isDefinitionFile(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var all []*Definition
	seen := make(map[string]string)
	for _, name := range names {
		path := filepath.Join(dir, name)
		defs, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		for _, d := range defs {
			if prev, dup := seen[d.ID]; dup {
				return nil, fmt.Errorf("workflow %q defined in both %s and %s", d.ID, prev, name)
			}
			seen[d.ID] = name
		}
		all = append(all, defs...)
	}
	return all, nil
}

func isDefinitionFile(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
