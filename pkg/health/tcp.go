package health

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/sentinel-zero/sentinel/pkg/types"
)

// TCPChecker probes by opening a TCP connection to host:port
type TCPChecker struct {
	Address string
}

// Check attempts the connection
func (t *TCPChecker) Check(ctx context.Context) Result {
	start := time.Now()

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", t.Address)
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("connect %s: %v", t.Address, err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	conn.Close()

	return Result{
		Healthy:   true,
		Message:   fmt.Sprintf("connected to %s", t.Address),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Type returns the probe type
func (t *TCPChecker) Type() types.HealthCheckType {
	return types.HealthCheckTCP
}
