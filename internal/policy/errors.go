package policy

import (
	"errors"
	"fmt"
)

// Violation kinds.
const (
	KindRange                = "range"
	KindStep                 = "step"
	KindCooldown             = "cooldown"
	KindRampDisabled         = "ramp_disabled"
	KindWritesDisabled       = "writes_disabled"
	KindNoLimits             = "no_limits"
	KindConfirmationRequired = "confirmation_required"
	KindInvalidRequest       = "invalid_request"
)

// Violation is returned when a request breaks a configured limit. Limit,
// Actual and Excess are set for the numeric kinds.
type Violation struct {
	Kind    string
	Channel string
	Message string
	Limit   float64
	Actual  float64
	Excess  float64
}

func (v *Violation) Error() string {
	if v.Channel == "" {
		return v.Message
	}
	return fmt.Sprintf("channel %q: %s", v.Channel, v.Message)
}

// IsViolation reports whether err is a policy Violation, optionally of one of
// the given kinds.
func IsViolation(err error, kinds ...string) bool {
	var v *Violation
	if !errors.As(err, &v) {
		return false
	}
	if len(kinds) == 0 {
		return true
	}
	for _, k := range kinds {
		if v.Kind == k {
			return true
		}
	}
	return false
}

func violation(kind, channel, format string, args ...any) *Violation {
	return &Violation{Kind: kind, Channel: channel, Message: fmt.Sprintf(format, args...)}
}

func rangeViolation(channel string, target, bound float64, above bool) *Violation {
	v := &Violation{Kind: KindRange, Channel: channel, Limit: bound, Actual: target}
	if above {
		v.Excess = target - bound
		v.Message = fmt.Sprintf("target %g exceeds max %g by %g", target, bound, v.Excess)
	} else {
		v.Excess = bound - target
		v.Message = fmt.Sprintf("target %g is below min %g by %g", target, bound, v.Excess)
	}
	return v
}
