package workspace

import (
	"fmt"
	"os"
	"path/filepath"
)

// Init creates a new workspace at root with a default config and the
// given repo aliases.
func Init(root string, repos map[string]string) (*Workspace, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(configPath(abs)); err == nil {
		return nil, fmt.Errorf("%s is already a tend workspace", abs)
	}

	for _, d := range []string{
		filepath.Join(abs, DirName, "jobs"),
		filepath.Join(abs, DirName, "waves"),
	} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", d, err)
		}
	}

	cfg := Default()
	for name, path := range repos {
		cfg.Repos[name] = path
	}
	ws := &Workspace{Root: abs, Config: cfg}
	if err := ws.SaveConfig(); err != nil {
		return nil, err
	}
	return ws, nil
}
