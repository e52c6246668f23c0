package remote

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/sapliy/coordination/pkg/apperr"
)

var allowedMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
}

// Endpoint is a callback on a remote service: an HTTP method and an absolute path.
//
// In JSON it is accepted either as a string ("/prepare" or "POST /prepare") or as
// an object {"method": "POST", "path": "/prepare"}. The method defaults to POST.
type Endpoint struct {
	Method string `json:"method"`
	Path   string `json:"path"`
}

// ParseEndpoint parses "/path" or "METHOD /path" and validates the result.
func ParseEndpoint(s string) (Endpoint, error) {
	fields := strings.Fields(s)
	var e Endpoint
	switch len(fields) {
	case 1:
		e.Path = fields[0]
	case 2:
		e.Method, e.Path = fields[0], fields[1]
	default:
		return Endpoint{}, apperr.Invalid("endpoint %q: expected \"[METHOD] /path\"", s)
	}
	e = e.normalize()
	if err := e.Validate(); err != nil {
		return Endpoint{}, err
	}
	return e, nil
}

// MustEndpoint is ParseEndpoint for literals known to be valid.
func MustEndpoint(s string) Endpoint {
	e, err := ParseEndpoint(s)
	if err != nil {
		panic(err)
	}
	return e
}

func (e Endpoint) normalize() Endpoint {
	e.Method = strings.ToUpper(strings.TrimSpace(e.Method))
	if e.Method == "" {
		e.Method = http.MethodPost
	}
	e.Path = strings.TrimSpace(e.Path)
	return e
}

// Validate rejects unknown methods and anything that is not a bare absolute path.
func (e Endpoint) Validate() error {
	if !allowedMethods[e.Method] {
		return apperr.Invalid("endpoint method %q not supported", e.Method)
	}
	if e.Path == "" {
		return apperr.Invalid("endpoint path is required")
	}
	if !strings.HasPrefix(e.Path, "/") || strings.HasPrefix(e.Path, "//") {
		return apperr.Invalid("endpoint path %q must be absolute", e.Path)
	}
	if strings.Contains(e.Path, "://") || strings.ContainsAny(e.Path, " \t\r\n") {
		return apperr.Invalid("endpoint path %q must not contain a scheme, host or whitespace", e.Path)
	}
	return nil
}

// IsZero reports whether the endpoint was never set.
func (e Endpoint) IsZero() bool {
	return e.Method == "" && e.Path == ""
}

func (e Endpoint) String() string {
	if e.IsZero() {
		return ""
	}
	return e.Method + " " + e.Path
}

func (e *Endpoint) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*e = Endpoint{}
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return apperr.Invalid("endpoint: %v", err)
		}
		parsed, err := ParseEndpoint(s)
		if err != nil {
			return err
		}
		*e = parsed
		return nil
	}

	var raw struct {
		Method string `json:"method"`
		Path   string `json:"path"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return apperr.Invalid("endpoint: %v", err)
	}
	parsed := Endpoint{Method: raw.Method, Path: raw.Path}.normalize()
	if err := parsed.Validate(); err != nil {
		return err
	}
	*e = parsed
	return nil
}
