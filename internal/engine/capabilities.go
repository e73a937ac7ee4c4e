package engine

import (
	"guardline/internal/domain"
	"guardline/internal/instrument"
)

// Capability joins one catalog parameter with the limits guarding it.
type Capability struct {
	Name      string `json:"name"`
	Label     string `json:"label"`
	Unit      string `json:"unit,omitempty"`
	ValueType string `json:"value_type"`
	Command   string `json:"command,omitempty"`
	Readable  bool   `json:"readable"`
	Writable  bool   `json:"writable"`
	Signal    bool   `json:"signal"`
	// Guarded is true when the parameter is writable and has limits; every
	// other writable parameter is refused with no_limits.
	Guarded             bool                  `json:"guarded"`
	RampEnabled         bool                  `json:"ramp_enabled"`
	RequireConfirmation bool                  `json:"require_confirmation"`
	Limits              *domain.ChannelLimits `json:"limits,omitempty"`
}

// Capabilities lists every parameter of the sink catalog in catalog order.
// A sink without a catalog yields the limited channels only.
func (e *Engine) Capabilities() []Capability {
	rules := e.Policy.Rules.Current()
	var params []instrument.ParameterSpec
	if cat, ok := e.Sink.(instrument.Catalog); ok {
		params = cat.Parameters()
	}
	out := make([]Capability, 0, len(params))
	seen := map[string]bool{}
	for _, p := range params {
		c := Capability{
			Name:      p.Name,
			Label:     p.Label,
			Unit:      p.Unit,
			ValueType: p.ValueType,
			Command:   p.Command,
			Readable:  p.Readable,
			Writable:  p.Writable,
			Signal:    p.Signal,
		}
		if lim, ok := rules.Limits[p.Name]; ok {
			l := lim
			c.Limits = &l
			c.Guarded = p.Writable
			c.RampEnabled = p.Writable && lim.RampEnabled
			c.RequireConfirmation = lim.RequireConfirmation
		}
		seen[p.Name] = true
		out = append(out, c)
	}
	for _, ch := range rules.Channels() {
		if seen[ch] {
			continue
		}
		l := rules.Limits[ch]
		out = append(out, Capability{
			Name:                ch,
			Writable:            true,
			Guarded:             true,
			RampEnabled:         l.RampEnabled,
			RequireConfirmation: l.RequireConfirmation,
			Limits:              &l,
		})
	}
	return out
}
