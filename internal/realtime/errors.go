package realtime

import "errors"

var (
	ErrInvalidChannel     = errors.New("invalid channel")
	ErrInvalidAction      = errors.New("invalid action")
	ErrCapacityExceeded   = errors.New("connection capacity exceeded")
	ErrDeliveryFailure    = errors.New("delivery failure")
	ErrBrokerDisconnected = errors.New("broker disconnected")
	ErrUnknownConnection  = errors.New("unknown connection")
	ErrInvalidUser        = errors.New("invalid user id")
)
