package veth

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Adapter is a host network adapter and its kernel interface index.
type Adapter struct {
	Name  string
	Index int
}

// AdapterLister enumerates host adapters whose name starts with prefix.
type AdapterLister interface {
	ListAdapters(prefix string) ([]Adapter, error)
}

// SysfsLister reads adapters from a sysfs net directory, one subdirectory per
// adapter, each exposing an "ifindex" file.
type SysfsLister struct {
	root string
}

// NewSysfsLister creates a lister rooted at root (e.g. /sys/devices/virtual/net).
func NewSysfsLister(root string) *SysfsLister {
	return &SysfsLister{root: root}
}

// ListAdapters returns every prefixed entry with a readable ifindex.
// Entries that vanish or hold garbage mid-scan are skipped; veths come and go
// while containers restart.
func (l *SysfsLister) ListAdapters(prefix string) ([]Adapter, error) {
	entries, err := os.ReadDir(l.root)
	if err != nil {
		return nil, fmt.Errorf("failed to read adapter directory %s: %w", l.root, err)
	}

	var adapters []Adapter
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(l.root, name, "ifindex"))
		if err != nil {
			continue
		}
		index, err := strconv.Atoi(strings.TrimSpace(string(raw)))
		if err != nil {
			continue
		}
		adapters = append(adapters, Adapter{Name: name, Index: index})
	}
	return adapters, nil
}
