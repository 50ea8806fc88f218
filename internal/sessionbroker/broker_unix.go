//go:build !windows

package sessionbroker

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
)

// SocketGroup may own the socket. Companions run as the logged-in student or
// teacher; when the group exists only its members may connect, otherwise
// every local account may.
const SocketGroup = "classinsights"

func (b *Broker) setupSocket() error {
	if err := os.Remove(b.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket %s: %w", b.socketPath, err)
	}

	dir := filepath.Dir(b.socketPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	listener, err := net.Listen("unix", b.socketPath)
	if err != nil {
		return fmt.Errorf("listen %s: %w", b.socketPath, err)
	}

	mode := os.FileMode(0666)
	if gid, ok := lookupSocketGroup(); ok {
		if err := os.Chown(b.socketPath, -1, gid); err == nil {
			mode = 0660
		} else {
			log.Warn("cannot hand socket to group, opening it to all users", "group", SocketGroup, "error", err)
		}
	}
	if err := os.Chmod(b.socketPath, mode); err != nil {
		listener.Close()
		return fmt.Errorf("chmod %s: %w", b.socketPath, err)
	}

	b.listener = listener
	log.Info("session socket listening", "path", b.socketPath, "mode", mode.String())
	return nil
}

func lookupSocketGroup() (int, bool) {
	g, err := user.LookupGroup(SocketGroup)
	if err != nil {
		return 0, false
	}
	gid, err := strconv.Atoi(g.Gid)
	if err != nil {
		return 0, false
	}
	return gid, true
}
