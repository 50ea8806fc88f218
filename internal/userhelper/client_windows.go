//go:build windows

package userhelper

import (
	"context"
	"fmt"
	"net"

	"github.com/Microsoft/go-winio"
)

func (c *Client) dialIPC(ctx context.Context) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, err := winio.DialPipeContext(ctx, c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("dial pipe %s: %w", c.socketPath, err)
	}
	return conn, nil
}
