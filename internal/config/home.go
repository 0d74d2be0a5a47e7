package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// DirName is the per-repository state directory.
const DirName = ".relay"

// GetRelayHome returns the relay state directory, creating it if needed.
// Priority order:
//  1. RELAY_HOME environment variable (if set)
//  2. .relay at the root of the enclosing git repository
//  3. .relay in the current working directory
func GetRelayHome() (string, error) {
	if home := os.Getenv("RELAY_HOME"); home != "" {
		return home, nil
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}
	root := cwd
	if repo, err := FindRepoRoot(cwd); err == nil {
		root = repo
	}

	home := filepath.Join(root, DirName)
	if err := os.MkdirAll(home, 0755); err != nil {
		return "", fmt.Errorf("create relay home directory: %w", err)
	}
	return home, nil
}

// FindRepoRoot walks up from dir to the first directory containing .git
// (a directory, or a file in linked worktrees).
func FindRepoRoot(dir string) (string, error) {
	current, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(filepath.Join(current, ".git")); err == nil {
			return current, nil
		}
		parent := filepath.Dir(current)
		if parent == current {
			return "", fmt.Errorf("no git repository found above %s", dir)
		}
		current = parent
	}
}
