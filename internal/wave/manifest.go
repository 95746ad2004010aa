// Package wave orders manifest tasks into dependency waves and runs them
// wave by wave through the job manager.
package wave

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

//go:embed manifest.schema.json
var schemaJSON []byte

var manifestSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		panic(fmt.Sprintf("manifest schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("manifest.schema.json", doc); err != nil {
		panic(fmt.Sprintf("manifest schema: %v", err))
	}
	s, err := c.Compile("manifest.schema.json")
	if err != nil {
		panic(fmt.Sprintf("manifest schema: %v", err))
	}
	return s
}

// Task is one job in a manifest.
type Task struct {
	ID        string   `yaml:"id" json:"id"`
	Repo      string   `yaml:"repo,omitempty" json:"repo,omitempty"`
	Worktree  string   `yaml:"worktree,omitempty" json:"worktree,omitempty"`
	Prompt    string   `yaml:"prompt,omitempty" json:"prompt,omitempty"`
	Branch    string   `yaml:"branch,omitempty" json:"branch,omitempty"`
	Base      string   `yaml:"base,omitempty" json:"base,omitempty"`
	Model     string   `yaml:"model,omitempty" json:"model,omitempty"`
	DependsOn []string `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
}

// Manifest is the task list a plan is built from.
type Manifest struct {
	Tasks []Task `yaml:"tasks" json:"tasks"`
}

// LoadManifest reads and parses a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// ParseManifest decodes YAML (or JSON, which is YAML), validates it against
// the manifest schema and checks task references.
func ParseManifest(data []byte) (*Manifest, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	// Round-trip through JSON so the validator sees JSON types.
	js, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(js))
	if err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if err := manifestSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks what the schema cannot: unique ids and dependencies that
// name other tasks.
func (m *Manifest) Validate() error {
	seen := make(map[string]bool, len(m.Tasks))
	for _, t := range m.Tasks {
		if seen[t.ID] {
			return fmt.Errorf("duplicate task id %q", t.ID)
		}
		seen[t.ID] = true
	}
	var problems []string
	for _, t := range m.Tasks {
		for _, d := range t.DependsOn {
			switch {
			case d == t.ID:
				problems = append(problems, fmt.Sprintf("task %q depends on itself", t.ID))
			case !seen[d]:
				problems = append(problems, fmt.Sprintf("task %q depends on unknown task %q", t.ID, d))
			}
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid manifest: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Task returns the task with the given id.
func (m *Manifest) Task(id string) (Task, bool) {
	for _, t := range m.Tasks {
		if t.ID == id {
			return t, true
		}
	}
	return Task{}, false
}

// Marshal renders the normalised manifest.
func (m *Manifest) Marshal() ([]byte, error) {
	return yaml.Marshal(m)
}
