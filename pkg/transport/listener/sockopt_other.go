//go:build !linux

package listener

import (
	"context"
	"net"
)

// listenTCP falls back to the runtime listener. The backlog is the system
// default and address reuse follows the runtime's behaviour.
func listenTCP(opts Options) (net.Listener, error) {
	var lc net.ListenConfig
	return lc.Listen(context.Background(), "tcp", opts.Address)
}
