package room

import "errors"

var (
	ErrUnknownAuction = errors.New("unknown auction")
	ErrRoomClosed     = errors.New("auction room closed")
)
