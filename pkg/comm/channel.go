package comm

import (
	"fmt"
	"net"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	// ConnectTimeout bounds the address probe and channel readiness.
	ConnectTimeout = 5 * time.Second

	// MaxMessageSize caps both directions of internal RPCs.
	MaxMessageSize = 32 * 1024 * 1024
)

// retryServiceConfig retries UNAVAILABLE internal RPCs with exponential
// backoff: 5 attempts, 0.2s initial, 3s cap, multiplier 2.
const retryServiceConfig = `{
	"methodConfig": [{
		"name": [{}],
		"retryPolicy": {
			"maxAttempts": 5,
			"initialBackoff": "0.2s",
			"maxBackoff": "3s",
			"backoffMultiplier": 2,
			"retryableStatusCodes": ["UNAVAILABLE"]
		}
	}]
}`

// AddrConnected probes whether a host:port address accepts connections
// within the connect timeout.
func AddrConnected(addr string) bool {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return false
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return false
	}
	conn, err := net.DialTimeout("tcp", addr, ConnectTimeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// BuildChannel dials an internal RPC endpoint with the master's retry
// policy and message size caps. The address is probed first so that a dead
// endpoint fails fast instead of queueing RPCs.
func BuildChannel(addr string) (*grpc.ClientConn, error) {
	if !AddrConnected(addr) {
		return nil, fmt.Errorf("service %s is not connected", addr)
	}
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultServiceConfig(retryServiceConfig),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(MaxMessageSize),
			grpc.MaxCallSendMsgSize(MaxMessageSize),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	return conn, nil
}
