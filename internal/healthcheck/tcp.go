package healthcheck

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

var errNoAddress = errors.New("tcp probe needs an address")

// TCPChecker passes once something accepts a connection on check.TCP. It is
// the default readiness probe for the database and the server port.
type TCPChecker struct{}

func NewTCPChecker() *TCPChecker {
	return &TCPChecker{}
}

func (TCPChecker) Check(ctx context.Context, check *Check) (Status, string, error) {
	if check.TCP == "" {
		return StatusCritical, "no address to probe", errNoAddress
	}

	d := net.Dialer{Timeout: check.Timeout}
	if d.Timeout <= 0 {
		d.Timeout = 2 * time.Second
	}

	conn, err := d.DialContext(ctx, "tcp", check.TCP)
	if err != nil {
		return StatusCritical, fmt.Sprintf("%s not accepting connections: %v", check.TCP, err), err
	}
	conn.Close()
	return StatusPassing, check.TCP + " accepting connections", nil
}
