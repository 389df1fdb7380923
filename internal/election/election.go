// Package election decides whether this process becomes the primary by
// trying to bind the shared ports.
package election

import (
	stderrors "errors"
	"net"
	"strconv"
	"syscall"

	"github.com/grovetools/tabrelay/errors"
)

// Mode is the role a process ends up in after election.
type Mode string

const (
	ModePrimary Mode = "primary"
	ModeRelay   Mode = "relay"
)

// Listeners are the ports held by the primary.
type Listeners struct {
	Socket net.Listener
	Status net.Listener
}

// Close releases both ports.
func (l *Listeners) Close() error {
	var first error
	for _, ln := range []net.Listener{l.Socket, l.Status} {
		if ln == nil {
			continue
		}
		if err := ln.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Bind tries to take both ports. An address-in-use failure on either port is
// returned as ADDRESS_IN_USE, meaning a primary already exists and the caller
// should become a relay. Any other failure is BIND_FAILED and fatal.
func Bind(host string, socketPort, statusPort int) (*Listeners, error) {
	socketAddr := net.JoinHostPort(host, strconv.Itoa(socketPort))
	socket, err := net.Listen("tcp", socketAddr)
	if err != nil {
		return nil, classify(socketAddr, err)
	}

	statusAddr := net.JoinHostPort(host, strconv.Itoa(statusPort))
	status, err := net.Listen("tcp", statusAddr)
	if err != nil {
		socket.Close()
		return nil, classify(statusAddr, err)
	}
	return &Listeners{Socket: socket, Status: status}, nil
}

// Elect binds and maps the outcome to a mode. It returns an error only when
// binding failed for a reason other than an existing primary.
func Elect(host string, socketPort, statusPort int) (Mode, *Listeners, error) {
	ln, err := Bind(host, socketPort, statusPort)
	switch {
	case err == nil:
		return ModePrimary, ln, nil
	case errors.Is(err, errors.ErrCodeAddressInUse):
		return ModeRelay, nil, nil
	default:
		return "", nil, err
	}
}

func classify(addr string, err error) error {
	if IsAddrInUse(err) {
		return errors.AddressInUse(addr, err)
	}
	return errors.BindFailed(addr, err)
}

// IsAddrInUse reports whether err is an EADDRINUSE from the OS.
func IsAddrInUse(err error) bool {
	return stderrors.Is(err, syscall.EADDRINUSE)
}
