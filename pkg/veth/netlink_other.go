//go:build !linux

package veth

import "errors"

// NewNetlinkLister is unavailable outside Linux.
func NewNetlinkLister() (AdapterLister, error) {
	return nil, errors.New("netlink adapter source is only supported on linux")
}
