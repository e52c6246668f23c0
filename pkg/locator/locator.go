// Package locator resolves the network address of a named service.
package locator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/sapliy/coordination/pkg/apperr"
)

// ErrServiceNotFound is returned when no source knows the requested service.
var ErrServiceNotFound = fmt.Errorf("service not registered: %w", apperr.ErrNotFound)

// Address is a resolved host and port.
type Address struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// BaseURL returns the http base URL for the address.
func (a Address) BaseURL() string {
	return "http://" + net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

func (a Address) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// ParseAddress parses "host:port".
func ParseAddress(s string) (Address, error) {
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(s))
	if err != nil {
		return Address{}, apperr.Invalid("address %q: %v", s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return Address{}, apperr.Invalid("address %q: bad port", s)
	}
	if host == "" {
		return Address{}, apperr.Invalid("address %q: empty host", s)
	}
	return Address{Host: host, Port: port}, nil
}

// Locator looks up a service by name.
type Locator interface {
	Resolve(ctx context.Context, service string) (Address, error)
}

// Func adapts a function to the Locator interface.
type Func func(ctx context.Context, service string) (Address, error)

func (f Func) Resolve(ctx context.Context, service string) (Address, error) {
	return f(ctx, service)
}

// IsNotFound reports whether err means the service is unknown.
func IsNotFound(err error) bool {
	return errors.Is(err, apperr.ErrNotFound)
}
