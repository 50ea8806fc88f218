package sessionbroker

import "errors"

var (
	ErrBrokerClosed     = errors.New("sessionbroker: broker is closed")
	ErrRateLimited      = errors.New("sessionbroker: connection rate limited")
	ErrHandshakeTimeout = errors.New("sessionbroker: handshake timeout")
	// ErrProtocol means the peer did not start with a usable identity line.
	ErrProtocol = errors.New("sessionbroker: protocol violation")
)
