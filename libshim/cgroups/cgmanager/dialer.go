package cgmanager

import "context"

// Dialer opens cgmanager connections. Operations that must observe every
// result dial a fresh connection per unit operation and close it when done.
type Dialer interface {
	Dial(ctx context.Context) (*Conn, error)
}

// AddressDialer dials a fixed D-Bus address.
type AddressDialer struct {
	Address    string
	MinVersion int32
}

func (d AddressDialer) Dial(ctx context.Context) (*Conn, error) {
	address := d.Address
	if address == "" {
		address = DefaultAddress
	}
	version := d.MinVersion
	if version == 0 {
		version = MinAPIVersion
	}
	return Dial(ctx, address, version)
}

// DialerFunc adapts a function to a Dialer.
type DialerFunc func(ctx context.Context) (*Conn, error)

func (f DialerFunc) Dial(ctx context.Context) (*Conn, error) {
	return f(ctx)
}
