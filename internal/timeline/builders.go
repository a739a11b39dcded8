package timeline

import (
	"slices"
	"strconv"
)

// Seq is a flat run of elements.
type Seq []Elt

func (s Seq) appendTo(dst []Elt) []Elt { return append(dst, s...) }

// Join flattens nodes depth-first, left to right. Nil nodes are skipped.
func Join(nodes ...Node) Seq {
	var out []Elt
	for _, n := range nodes {
		if n == nil {
			continue
		}
		out = n.appendTo(out)
	}
	return out
}

// ─── Options ────────────────────────────────────────────────────────────────

type options struct {
	fixTimeCredit bool
	logBranch     *bool
}

// Option configures a while loop, switch or conditional.
type Option func(*options)

// NoFixTime credits the participant for the time actually spent instead of
// the construct's precomputed bound.
func NoFixTime() Option { return func(o *options) { o.fixTimeCredit = false } }

// LogBranch records the chosen branch in the participant's branch log.
// Switches and conditionals log by default; while loops do not.
func LogBranch() Option {
	return func(o *options) {
		on := true
		o.logBranch = &on
	}
}

// NoBranchLog keeps the chosen branch out of the participant's branch log.
func NoBranchLog() Option {
	return func(o *options) {
		off := false
		o.logBranch = &off
	}
}

func (o options) logs(def bool) bool {
	if o.logBranch == nil {
		return def
	}
	return *o.logBranch
}

func buildOptions(opts []Option) options {
	o := options{fixTimeCredit: true}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// ─── Constructors ───────────────────────────────────────────────────────────

// FixTime wraps node in a fixed time-credit block worth bound seconds:
// however long the participant spends inside, they are credited exactly
// bound on leaving it.
func FixTime(node Node, bound float64) Seq {
	end := newMarker(MarkEndFixTime, "")
	end.timeEstimate = bound
	start := newMarker(MarkStartFixTime, "")
	start.timeEstimate = bound
	start.end = end
	return Join(start, node, end)
}

// WhileLoop repeats logic while cond holds. expectedReps is the author's
// estimate of the number of iterations; it scales the credit estimate of
// the loop body and, unless NoFixTime is given, fixes the credit paid.
func WhileLoop(label string, cond Condition, logic Node, expectedReps int, opts ...Option) Seq {
	o := buildOptions(opts)
	body := Join(logic)
	for _, e := range body {
		e.base().expectedRepetitions *= expectedReps
	}
	start := newMarker(MarkStartWhile, label)
	end := newMarker(MarkEndWhile, label)

	condOpts := []Option{NoFixTime(), NoBranchLog()}
	if o.logs(false) {
		condOpts = append(condOpts, LogBranch())
	}
	seq := Join(
		start,
		Conditional(label, cond, Join(body, Goto(start)), nil, condOpts...),
		end,
	)
	if o.fixTimeCredit {
		return FixTime(seq, sumCredit(body))
	}
	return seq
}

// Switch evaluates sel at runtime and runs the branch with the matching key.
// A key with no branch is a fatal configuration error.
func Switch(label string, sel Selector, branches map[string]Node, opts ...Option) Seq {
	o := buildOptions(opts)
	keys := make([]string, 0, len(branches))
	for k := range branches {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	start := &ReactiveGoTo{
		eltBase:   newBase(),
		label:     label,
		selector:  sel,
		branches:  make(map[string]*Marker, len(branches)),
		keys:      keys,
		logBranch: o.logs(true),
	}
	end := newMarker(MarkEndSwitch, label)
	start.end = end

	out := Seq{start}
	var bound float64
	for _, key := range keys {
		branchStart := newMarker(MarkStartBranch, label+"/"+key)
		start.branches[key] = branchStart
		body := Join(branches[key])
		bound = max(bound, sumCredit(body))
		out = Join(out, branchStart, body, &GoTo{eltBase: newBase(), target: end, endsBranch: true})
	}
	out = append(out, end)

	if o.fixTimeCredit {
		return FixTime(out, bound)
	}
	return out
}

// Conditional runs ifTrue or ifFalse depending on cond. Either may be nil.
func Conditional(label string, cond Condition, ifTrue, ifFalse Node, opts ...Option) Seq {
	sel := func(env *Env) (string, error) {
		ok, err := cond(env)
		if err != nil {
			return "", err
		}
		return strconv.FormatBool(ok), nil
	}
	return Switch(label, sel, map[string]Node{"true": ifTrue, "false": ifFalse}, opts...)
}

// Module groups a labelled region of the timeline. The participant's module
// state records when they enter and leave it.
type Module struct {
	Label    string
	children Seq
}

// NewModule returns a module containing nodes.
func NewModule(label string, nodes ...Node) *Module {
	return &Module{Label: label, children: Join(nodes...)}
}

func (m *Module) appendTo(dst []Elt) []Elt {
	dst = append(dst, newMarker(MarkStartModule, m.Label))
	dst = append(dst, m.children...)
	return append(dst, newMarker(MarkEndModule, m.Label))
}

// sumCredit is Σ time estimate × expected repetitions over elements that
// return time credit.
func sumCredit(elts []Elt) float64 {
	var total float64
	for _, e := range elts {
		total += credit(e)
	}
	return total
}
