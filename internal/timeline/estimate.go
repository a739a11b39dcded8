package timeline

import "errors"

// CreditEstimate is an upper bound on the time credit a participant can
// earn over part of a timeline. Branches of a switch are merged again at
// the end of the switch, so the estimate grows with the number of
// elements, not the number of paths. Switches records the breakdown for
// display.
type CreditEstimate struct {
	Time     float64           `json:"time" yaml:"time"`
	Switches []*SwitchEstimate `json:"switches,omitempty" yaml:"switches,omitempty"`

	// reach is the longest credit to the end of the walked segment and
	// final the longest credit to an end page inside it.
	reach, final float64
	continues    bool
	ends         bool
}

// SwitchEstimate is the estimate of one switch met along a segment.
type SwitchEstimate struct {
	Label    string                     `json:"switch" yaml:"switch"`
	Before   float64                    `json:"before" yaml:"before"`
	Branches map[string]*CreditEstimate `json:"branches" yaml:"branches"`
}

// Leaf reports whether the estimate passes no switch.
func (c *CreditEstimate) Leaf() bool { return len(c.Switches) == 0 }

// MaxTime is the longest credited path, in seconds.
func (c *CreditEstimate) MaxTime() float64 { return c.Time }

// MaxBonus is MaxTime paid at wagePerHour.
func (c *CreditEstimate) MaxBonus(wagePerHour float64) float64 {
	return c.MaxTime() * wagePerHour / 3600
}

// Summary renders the estimate for display. A leaf is a time and bonus
// breakdown; otherwise the switches are listed with their branches.
func (c *CreditEstimate) Summary(wagePerHour float64) any {
	times := map[string]float64{
		"time_seconds": c.Time,
		"time_minutes": c.Time / 60,
		"time_hours":   c.Time / 3600,
		"bonus":        c.Time * wagePerHour / 3600,
	}
	if c.Leaf() {
		return times
	}
	out := make(map[string]any, len(times)+1)
	for k, v := range times {
		out[k] = v
	}
	switches := make([]any, 0, len(c.Switches))
	for _, sw := range c.Switches {
		branches := make(map[string]any, len(sw.Branches))
		for k, child := range sw.Branches {
			branches[k] = child.Summary(wagePerHour)
		}
		switches = append(switches, map[string]any{
			"switch":         sw.Label,
			"before_seconds": sw.Before,
			"branches":       branches,
		})
	}
	out["switches"] = switches
	return out
}

var errEstimateRunaway = errors.New("credit estimate ran past the end of the timeline")

// Estimate walks a compiled element array from the start. Element ids
// must already be assigned.
func Estimate(elts []Elt) (*CreditEstimate, error) {
	est, err := estimateSegment(elts, 0, -1)
	if err != nil {
		return nil, err
	}
	if !est.ends {
		return nil, errEstimateRunaway
	}
	return est, nil
}

// estimateSegment walks from id until it reaches stop or an end page.
// Fixed blocks add their bound and are skipped, switches recurse into each
// branch up to their end marker, and ordinary GoTos fall through, so every
// jump moves forward.
func estimateSegment(elts []Elt, id, stop int) (*CreditEstimate, error) {
	est := &CreditEstimate{}
	var total float64
	for {
		if id == stop {
			est.reach, est.continues = total, true
			break
		}
		if id < 0 || id >= len(elts) {
			return nil, errEstimateRunaway
		}
		e := elts[id]
		total += credit(e)

		if sw, ok := e.(*ReactiveGoTo); ok {
			next, err := estimateSwitch(elts, sw, total, est)
			if err != nil {
				return nil, err
			}
			if next < 0 {
				break
			}
			total = next
			id = sw.end.ID()
			continue
		}

		switch e := e.(type) {
		case *Marker:
			switch e.kind {
			case MarkStartFixTime:
				id = e.end.ID()
				continue
			case MarkEndFixTime:
				total += e.timeEstimate * float64(e.expectedRepetitions)
			}
		case *GoTo:
			if e.endsBranch {
				id = e.target.ID()
				continue
			}
		case *PageElt:
			if e.Terminal() {
				est.final, est.ends = max(est.final, total), true
				est.Time = est.longest()
				return est, nil
			}
		}
		id++
	}
	est.Time = est.longest()
	return est, nil
}

// estimateSwitch records sw on est and returns the longest credit with
// which a branch rejoins the timeline after it, or -1 if every branch
// ends the experiment.
func estimateSwitch(elts []Elt, sw *ReactiveGoTo, total float64, est *CreditEstimate) (float64, error) {
	rec := &SwitchEstimate{Label: sw.label, Before: total, Branches: make(map[string]*CreditEstimate, len(sw.keys))}
	est.Switches = append(est.Switches, rec)
	next := -1.0
	for _, key := range sw.keys {
		child, err := estimateSegment(elts, sw.branches[key].ID(), sw.end.ID())
		if err != nil {
			return 0, err
		}
		rec.Branches[key] = child
		if child.ends {
			est.final, est.ends = max(est.final, total+child.final), true
		}
		if child.continues {
			next = max(next, total+child.reach)
		}
	}
	return next, nil
}

func (c *CreditEstimate) longest() float64 {
	switch {
	case c.continues && c.ends:
		return max(c.reach, c.final)
	case c.continues:
		return c.reach
	default:
		return c.final
	}
}
