package policy

import (
	"sort"
	"sync/atomic"
	"time"

	"guardline/internal/domain"
)

// DefaultRampInterval is used when neither the request nor the channel
// limits name an interval.
const DefaultRampInterval = 50 * time.Millisecond

// Rules is one immutable snapshot of the safety configuration.
type Rules struct {
	AllowWrites         bool                            `json:"allow_writes"`
	DryRun              bool                            `json:"dry_run"`
	DefaultRampInterval time.Duration                   `json:"default_ramp_interval"`
	Limits              map[string]domain.ChannelLimits `json:"limits"`
}

// Channels returns the configured channel names in sorted order.
func (r Rules) Channels() []string {
	out := make([]string, 0, len(r.Limits))
	for ch := range r.Limits {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// Source holds the current Rules and can swap them without blocking readers.
type Source struct {
	cur atomic.Pointer[Rules]
}

func NewSource(r Rules) *Source {
	s := &Source{}
	s.Reload(r)
	return s
}

// Current returns the active snapshot.
func (s *Source) Current() Rules {
	if r := s.cur.Load(); r != nil {
		return *r
	}
	return Rules{}
}

// Reload replaces the active snapshot. Plans computed afterwards observe the
// new limits.
func (s *Source) Reload(r Rules) {
	limits := make(map[string]domain.ChannelLimits, len(r.Limits))
	for ch, lim := range r.Limits {
		lim.Channel = ch
		limits[ch] = lim
	}
	r.Limits = limits
	if r.DefaultRampInterval <= 0 {
		r.DefaultRampInterval = DefaultRampInterval
	}
	s.cur.Store(&r)
}
