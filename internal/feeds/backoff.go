package feeds

import (
	"fmt"
	"strings"
	"time"
)

// DefaultBackoffMax bounds delays of a policy without Max
const DefaultBackoffMax = 60 * time.Second

// BackoffKind selects how reconnect delays grow with the attempt count
type BackoffKind int

const (
	BackoffExponential BackoffKind = iota
	BackoffLinear
	BackoffFixed
)

func (k BackoffKind) String() string {
	switch k {
	case BackoffLinear:
		return "linear"
	case BackoffFixed:
		return "fixed"
	default:
		return "exponential"
	}
}

// ParseBackoffKind parses fixed, linear or exponential
func ParseBackoffKind(s string) (BackoffKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "exponential":
		return BackoffExponential, nil
	case "linear":
		return BackoffLinear, nil
	case "fixed":
		return BackoffFixed, nil
	default:
		return 0, fmt.Errorf("unknown backoff policy %q", s)
	}
}

// BackoffPolicy computes bounded reconnect delays
type BackoffPolicy struct {
	Kind BackoffKind
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait before reconnect attempt n (n >= 1). The result
// never exceeds Max, or DefaultBackoffMax when Max is unset.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if p.Base <= 0 {
		return 0
	}

	ceiling := p.Max
	if ceiling <= 0 {
		ceiling = DefaultBackoffMax
	}
	if p.Base >= ceiling {
		return ceiling
	}

	switch p.Kind {
	case BackoffFixed:
		return p.Base
	case BackoffLinear:
		if attempt > int(ceiling/p.Base) {
			return ceiling
		}
		return p.Base * time.Duration(attempt)
	default:
		d := p.Base
		for i := 1; i < attempt; i++ {
			if d > ceiling/2 {
				return ceiling
			}
			d *= 2
		}
		return d
	}
}
