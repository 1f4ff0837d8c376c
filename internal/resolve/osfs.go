package resolve

import (
	"os"
	"strings"
)

// OSFileSystem is the production FileSystem backed by the real filesystem.
type OSFileSystem struct{}

func (OSFileSystem) Stat(path string) (isDir bool, exists bool) {
	info, err := os.Stat(path)
	if err != nil {
		return false, false
	}
	return info.IsDir(), true
}

func (OSFileSystem) ActualCase(dir, name string) (actual string, differs bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}
	for _, entry := range entries {
		if strings.EqualFold(entry.Name(), name) {
			if entry.Name() != name {
				return entry.Name(), true
			}
			return "", false
		}
	}
	return "", false
}
