package jsonutil

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/sapliy/coordination/pkg/apperr"
)

// Duration is a time.Duration written as "30s". It also reads a bare number as seconds.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case nil:
		*d = 0
	case float64:
		*d = Duration(val * float64(time.Second))
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("%w: duration %q: %v", apperr.ErrInvalidArgument, val, err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("%w: duration must be a string or number of seconds", apperr.ErrInvalidArgument)
	}
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}
