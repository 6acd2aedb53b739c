package zabbix

import (
	"errors"
)

// Error taxonomy for Zabbix API calls. Callers branch on these with
// errors.Is; the wrapped error carries the detail.
var (
	// ErrConnectivity marks timeouts and unreachable-server failures. These
	// are non-fatal: the connection tracker counts them and the next cycle
	// retries.
	ErrConnectivity = errors.New("zabbix: connectivity failure")

	// ErrProtocol marks malformed or unexpected API responses. The affected
	// batch is discarded and retried on the next cycle.
	ErrProtocol = errors.New("zabbix: protocol error")
)

// IsConnectivity reports whether err is a connectivity failure.
func IsConnectivity(err error) bool {
	return errors.Is(err, ErrConnectivity)
}

// IsProtocol reports whether err is a protocol error.
func IsProtocol(err error) bool {
	return errors.Is(err, ErrProtocol)
}
