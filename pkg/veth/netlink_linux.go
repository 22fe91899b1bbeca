//go:build linux

package veth

import (
	"fmt"
	"strings"

	"github.com/vishvananda/netlink"
)

// NetlinkLister enumerates adapters of the current network namespace via netlink.
// The agent must share the host network namespace for this to see container veths.
type NetlinkLister struct{}

// NewNetlinkLister creates a netlink backed lister.
func NewNetlinkLister() (AdapterLister, error) {
	return &NetlinkLister{}, nil
}

// ListAdapters returns every link whose name starts with prefix.
func (l *NetlinkLister) ListAdapters(prefix string) ([]Adapter, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return nil, fmt.Errorf("failed to list links: %w", err)
	}

	var adapters []Adapter
	for _, link := range links {
		attrs := link.Attrs()
		if !strings.HasPrefix(attrs.Name, prefix) {
			continue
		}
		adapters = append(adapters, Adapter{Name: attrs.Name, Index: attrs.Index})
	}
	return adapters, nil
}
