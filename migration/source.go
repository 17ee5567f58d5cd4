package migration

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"sort"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"gopkg.in/yaml.v3"
)

var strictJSON = jsoniter.Config{
	EscapeHTML:             false,
	DisallowUnknownFields:  true,
	ValidateJsonRawMessage: true,
}.Froze()

// fileDefinition is the on-disk shape of one migration, shared by the YAML and JSON formats.
//
//	id: 0002_row_count_view          # optional, defaults to the file name without extension
//	depends_on: [0001_initial_schema]
//	steps:
//	  - apply: CREATE VIEW ...
//	    rollback: DROP VIEW ...
type fileDefinition struct {
	ID        string     `yaml:"id" json:"id"`
	DependsOn []string   `yaml:"depends_on" json:"depends_on"`
	Steps     []fileStep `yaml:"steps" json:"steps"`
}

type fileStep struct {
	Apply    string `yaml:"apply" json:"apply"`
	Rollback string `yaml:"rollback" json:"rollback"`
}

// Load reads every *.yaml, *.yml, and *.json file directly under dir in fsys, in file name order.
// Files whose name starts with "_" or "." are skipped. Unknown fields are rejected.
//
// Load does not resolve dependencies; pass the result to Resolve or Runner.Apply.
func Load(fsys fs.FS, dir string) ([]Definition, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %w", ErrConfiguration, dir, err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	definitions := make([]Definition, 0, len(entries))

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, "_") || strings.HasPrefix(name, ".") {
			continue
		}

		ext := path.Ext(name)
		if ext != ".yaml" && ext != ".yml" && ext != ".json" {
			continue
		}

		data, readErr := fs.ReadFile(fsys, path.Join(dir, name))
		if readErr != nil {
			return nil, fmt.Errorf("%w: reading %s: %w", ErrConfiguration, name, readErr)
		}

		def, parseErr := parseDefinition(strings.TrimSuffix(name, ext), ext, data)
		if parseErr != nil {
			return nil, fmt.Errorf("%s: %w", name, parseErr)
		}

		definitions = append(definitions, def)
	}

	return definitions, nil
}

func parseDefinition(stem, ext string, data []byte) (Definition, error) {
	var file fileDefinition

	switch ext {
	case ".json":
		if err := strictJSON.Unmarshal(data, &file); err != nil {
			return Definition{}, fmt.Errorf("%w: %w", ErrInvalidDefinition, err)
		}
	default:
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		decoder.KnownFields(true)
		if err := decoder.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
			return Definition{}, fmt.Errorf("%w: %w", ErrInvalidDefinition, err)
		}
	}

	if file.ID == "" {
		file.ID = stem
	}

	steps := make([]Step, 0, len(file.Steps))
	for _, step := range file.Steps {
		steps = append(steps, Step{Apply: step.Apply, Rollback: step.Rollback})
	}

	return NewDefinition(file.ID, steps, file.DependsOn...)
}
