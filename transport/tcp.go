package transport

import (
	"context"
	"fmt"
	"net"
)

// DialTCP connects to a serial line exposed on a TCP socket, such as an
// emulator's serial port or a network serial server.
func DialTCP(ctx context.Context, address string) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}
	return conn, nil
}
