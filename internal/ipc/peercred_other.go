//go:build !linux

package ipc

import (
	"errors"
	"net"
)

// PeerCredentials holds the kernel-reported identity of an IPC peer.
type PeerCredentials struct {
	PID int
	UID uint32
}

// GetPeerCredentials is only implemented on Linux.
func GetPeerCredentials(conn net.Conn) (*PeerCredentials, error) {
	return nil, errors.ErrUnsupported
}
