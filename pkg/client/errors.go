package client

import (
	"errors"
	"fmt"

	"github.com/lightforgemedia/go-wslink/pkg/correlator"
	"github.com/lightforgemedia/go-wslink/pkg/envelope"
	"github.com/lightforgemedia/go-wslink/pkg/registry"
)

var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("client is closed")
	// ErrConnectTimeout marks a connect attempt that did not open in time.
	ErrConnectTimeout = errors.New("connection timeout")
	// ErrNotConnected is returned by operations that never queue.
	ErrNotConnected = errors.New("client is not connected")
	// ErrLivenessTimeout is the cause recorded when the heartbeat expires.
	ErrLivenessTimeout = errors.New("heartbeat timeout")

	// ErrRequestTimeout matches a correlated request that saw no response.
	ErrRequestTimeout = correlator.ErrTimeout
	// ErrServer matches a correlated request the server answered with a failure.
	ErrServer = correlator.ErrServer
	// ErrProtocol matches a frame that could not be encoded or decoded.
	ErrProtocol = envelope.ErrProtocol
	// ErrDispatch matches a failure raised by a handler or listener.
	ErrDispatch = registry.ErrDispatch
)

// ConnectionError is a connect failure: refused, timed out or broken during setup.
type ConnectionError struct {
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect to %s: %v", e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// SendError is a transport write failure on a connected client.
type SendError struct {
	Err error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send failed: %v", e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// Kind classifies every error returned by the client.
type Kind int

const (
	KindUnknown Kind = iota
	KindConnection
	KindProtocol
	KindDispatch
	KindTimeout
	KindServer
	KindSend
	KindClosed
)

func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindProtocol:
		return "protocol"
	case KindDispatch:
		return "dispatch"
	case KindTimeout:
		return "timeout"
	case KindServer:
		return "server"
	case KindSend:
		return "send"
	case KindClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// KindOf returns the Kind of err, KindUnknown for nil or foreign errors.
func KindOf(err error) Kind {
	var (
		connErr *ConnectionError
		sendErr *SendError
	)
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrClosed):
		return KindClosed
	case errors.As(err, &connErr):
		return KindConnection
	case errors.Is(err, ErrRequestTimeout):
		return KindTimeout
	case errors.Is(err, ErrServer):
		return KindServer
	case errors.Is(err, ErrProtocol):
		return KindProtocol
	case errors.Is(err, ErrDispatch):
		return KindDispatch
	case errors.As(err, &sendErr), errors.Is(err, ErrNotConnected):
		return KindSend
	default:
		return KindUnknown
	}
}
