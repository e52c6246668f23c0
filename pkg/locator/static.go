package locator

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/sapliy/coordination/pkg/apperr"
)

// Static is a fixed in-memory service table.
type Static struct {
	mu    sync.RWMutex
	addrs map[string]Address
}

func NewStatic(addrs map[string]Address) *Static {
	m := make(map[string]Address, len(addrs))
	for k, v := range addrs {
		m[k] = v
	}
	return &Static{addrs: m}
}

// ParseStatic builds a Static table from entries of the form "name=host:port".
func ParseStatic(entries []string) (*Static, error) {
	addrs := make(map[string]Address, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		name, addr, ok := strings.Cut(e, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, apperr.Invalid("static service entry %q: expected name=host:port", e)
		}
		a, err := ParseAddress(addr)
		if err != nil {
			return nil, fmt.Errorf("static service %s: %w", name, err)
		}
		addrs[strings.TrimSpace(name)] = a
	}
	return NewStatic(addrs), nil
}

func (s *Static) Resolve(_ context.Context, service string) (Address, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.addrs[service]
	if !ok {
		return Address{}, fmt.Errorf("%s: %w", service, ErrServiceNotFound)
	}
	return a, nil
}

// Set registers or replaces an address.
func (s *Static) Set(service string, a Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addrs[service] = a
}
