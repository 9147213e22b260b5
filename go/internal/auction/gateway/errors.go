package gateway

import (
	"errors"

	"github.com/mcdev12/gavel/go/internal/auction/broadcast"
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionClosed    = errors.New("session closed")
	ErrHeartbeatTimeout = errors.New("heartbeat timeout")
	ErrTransportClosed  = errors.New("transport closed")
	ErrShuttingDown     = errors.New("server shutting down")
	ErrUnauthenticated  = errors.New("unauthenticated")
	ErrInvalidToken     = errors.New("invalid token")
	ErrCapacityExceeded = broadcast.ErrCapacityExceeded
)
