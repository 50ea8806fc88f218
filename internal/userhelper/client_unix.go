//go:build !windows

package userhelper

import (
	"context"
	"fmt"
	"net"
)

func (c *Client) dialIPC(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", c.socketPath, err)
	}
	return conn, nil
}
