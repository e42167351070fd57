package permissions

import (
	"errors"
	"fmt"
	"strings"
)

// BusPolicy is the privilege granted for a bus name pattern. Higher values
// imply the lower ones: own implies talk implies see.
type BusPolicy int

const (
	// BusNone removes any policy for the name.
	BusNone BusPolicy = iota
	// BusSee lets the sandbox see the name on the bus.
	BusSee
	// BusTalk lets the sandbox call methods on the name.
	BusTalk
	// BusOwn lets the sandbox own the name.
	BusOwn
)

func (p BusPolicy) String() string {
	switch p {
	case BusNone:
		return "none"
	case BusSee:
		return "see"
	case BusTalk:
		return "talk"
	case BusOwn:
		return "own"
	default:
		return fmt.Sprintf("unknown(%d)", int(p))
	}
}

// ErrPolicy reports an invalid bus policy value or bus name pattern.
var ErrPolicy = errors.New("invalid bus policy")

// ParseBusPolicy parses a policy keyword.
func ParseBusPolicy(s string) (BusPolicy, error) {
	switch s {
	case "none":
		return BusNone, nil
	case "see":
		return BusSee, nil
	case "talk":
		return BusTalk, nil
	case "own":
		return BusOwn, nil
	default:
		return BusNone, fmt.Errorf("%w: unknown privilege %q", ErrPolicy, s)
	}
}

// ValidateBusName checks a bus name pattern. A '*' wildcard is legal only as
// the final segment ("org.example.*"); segments are otherwise plain D-Bus
// name elements.
func ValidateBusName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty bus name", ErrPolicy)
	}

	if name == "*" {
		return nil
	}

	segments := strings.Split(name, ".")
	for i, seg := range segments {
		if seg == "*" {
			if i != len(segments)-1 {
				return fmt.Errorf("%w: wildcard not in final segment of %q", ErrPolicy, name)
			}

			continue
		}

		if seg == "" {
			return fmt.Errorf("%w: empty segment in %q", ErrPolicy, name)
		}

		if strings.ContainsAny(seg, "*") {
			return fmt.Errorf("%w: partial wildcard in %q", ErrPolicy, name)
		}
	}

	return nil
}
