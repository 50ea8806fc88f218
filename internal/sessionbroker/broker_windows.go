//go:build windows

package sessionbroker

import (
	"fmt"

	"github.com/Microsoft/go-winio"
)

// pipeSecurity grants SYSTEM full control and Interactive Users read/write.
// Service accounts and network logons cannot open the pipe.
const pipeSecurity = "D:P(A;;GA;;;SY)(A;;GRGW;;;IU)"

// Packets are single JSON lines well below a page.
const pipeBufferSize = 4096

func (b *Broker) setupSocket() error {
	listener, err := winio.ListenPipe(b.socketPath, &winio.PipeConfig{
		SecurityDescriptor: pipeSecurity,
		MessageMode:        false,
		InputBufferSize:    pipeBufferSize,
		OutputBufferSize:   pipeBufferSize,
	})
	if err != nil {
		return fmt.Errorf("listen pipe %s: %w", b.socketPath, err)
	}

	b.listener = listener
	log.Info("session pipe listening", "pipe", b.socketPath)
	return nil
}
