package utils

import (
	"fmt"
	"os"
	"path/filepath"
)

// ResolveStorageRoot validates the directory the agent stores files under.
// It may not exist yet, but its parent must.
func ResolveStorageRoot(root string) (string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("cannot resolve storage root: %w", err)
	}
	if info, err := os.Stat(abs); err == nil {
		if info.IsDir() {
			return abs, nil
		}
		return "", fmt.Errorf("storage root '%s' exists but is not a directory", abs)
	} else if os.IsNotExist(err) {
		dir := filepath.Dir(abs)
		if info, dirErr := os.Stat(dir); dirErr == nil && info.IsDir() {
			// Created by the file service on first use
			return abs, nil
		}
		return "", fmt.Errorf("parent directory does not exist: %s", dir)
	} else {
		return "", fmt.Errorf("cannot access storage root: %w", err)
	}
}
