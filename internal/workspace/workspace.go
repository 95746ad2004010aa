package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// DirName is the hidden directory holding all tend state under a root.
const DirName = ".tend"

// ErrNotWorkspace is returned when no .tend/config.yaml can be found.
var ErrNotWorkspace = errors.New("not a tend workspace")

// Workspace holds the root path and loaded config.
type Workspace struct {
	Root   string
	Config Config
}

func configPath(root string) string {
	return filepath.Join(root, DirName, "config.yaml")
}

// Open loads <root>/.tend/config.yaml and applies environment overrides.
func Open(root string) (*Workspace, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(configPath(abs))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w (.tend/config.yaml not found; run: tend init)", abs, ErrNotWorkspace)
		}
		return nil, err
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, fmt.Errorf(".tend/config.yaml: %w", err)
	}
	cfg.ApplyEnv(os.Getenv)
	return &Workspace{Root: abs, Config: cfg}, nil
}

// FindRoot walks up from dir until a .tend/config.yaml is found.
func FindRoot(dir string) (*Workspace, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	for {
		if _, err := os.Stat(configPath(abs)); err == nil {
			return Open(abs)
		}
		parent := filepath.Dir(abs)
		if parent == abs {
			return nil, fmt.Errorf("%w: no .tend/config.yaml in %s or any parent", ErrNotWorkspace, dir)
		}
		abs = parent
	}
}

// Resolve opens root when given, otherwise searches upward from the
// current directory.
func Resolve(root string) (*Workspace, error) {
	if root != "" {
		return Open(root)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	return FindRoot(cwd)
}

func (ws *Workspace) Dir() string      { return filepath.Join(ws.Root, DirName) }
func (ws *Workspace) JobsDir() string  { return filepath.Join(ws.Root, DirName, "jobs") }
func (ws *Workspace) WavesDir() string { return filepath.Join(ws.Root, DirName, "waves") }

// WorktreesDir holds worktrees created for manifest tasks that name only a
// repo.
func (ws *Workspace) WorktreesDir() string { return filepath.Join(ws.Root, DirName, "worktrees") }
func (ws *Workspace) ConfigPath() string {
	return configPath(ws.Root)
}

// RepoPath maps a manifest repo reference to a directory. Names registered in
// the config win; anything else is taken as a path relative to the root.
func (ws *Workspace) RepoPath(ref string) string {
	if ref == "" {
		return ""
	}
	if p, ok := ws.Config.Repos[ref]; ok {
		ref = p
	}
	if filepath.IsAbs(ref) {
		return ref
	}
	return filepath.Join(ws.Root, ref)
}

// SaveConfig writes the config back to .tend/config.yaml.
func (ws *Workspace) SaveConfig() error {
	data, err := ws.Config.Marshal()
	if err != nil {
		return err
	}
	return WriteFileAtomic(ws.ConfigPath(), data, 0o644)
}
