// Package timeline compiles nested control-flow constructs into a flat,
// ID-addressed program and walks participants through it.
//
// A Program is built once at experiment load and shared read-only by every
// request. A participant's position is nothing more than an index into the
// program (Participant.EltID); Advance moves that index forward, consuming
// code blocks and control markers until it reaches the next page.
package timeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/trialflow/trialflow/internal/domain"
)

// NoEstimate marks a page or page maker whose time estimate is unknown.
// Compiling a timeline that contains one fails.
const NoEstimate = -1.0

// Env is what elements see while a participant passes through them.
type Env struct {
	Ctx         context.Context
	Participant *domain.Participant
	Now         time.Time
	Logger      *slog.Logger
	// OnFail runs after an unsuccessful end page fails the participant.
	OnFail func(ctx context.Context, p *domain.Participant) error
}

func (e *Env) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

func (e *Env) context() context.Context {
	if e.Ctx == nil {
		return context.Background()
	}
	return e.Ctx
}

// Func is a code block callback.
type Func func(env *Env) error

// Condition decides a conditional or while loop at runtime.
type Condition func(env *Env) (bool, error)

// Selector picks a switch branch key at runtime.
type Selector func(env *Env) (string, error)

// PageFunc builds a page at display time.
type PageFunc func(env *Env) (Page, error)

// ─── Transitions ────────────────────────────────────────────────────────────

type transitionKind int

const (
	transitionContinue transitionKind = iota
	transitionJump
	transitionStop
)

// Transition is the result of consuming one element.
type Transition struct {
	kind   transitionKind
	target int
}

// Continue moves on to the next element.
func Continue() Transition { return Transition{kind: transitionContinue} }

// Jump moves to the element with the given id.
func Jump(target int) Transition { return Transition{kind: transitionJump, target: target} }

// Stop halts the walk; the element is shown to the participant.
func Stop() Transition { return Transition{kind: transitionStop} }

// ─── Elements ───────────────────────────────────────────────────────────────

// Node is anything that can be placed in a timeline: a single element, a
// Seq, or a Module.
type Node interface {
	appendTo(dst []Elt) []Elt
}

// Elt is one timeline instruction.
type Elt interface {
	Node
	ID() int
	TimeEstimate() (float64, bool)
	ExpectedRepetitions() int
	ReturnsTimeCredit() bool
	Consume(env *Env) (Transition, error)
	base() *eltBase
}

type eltBase struct {
	id                  int
	placed              bool
	timeEstimate        float64
	expectedRepetitions int
	returnsTimeCredit   bool
}

func newBase() eltBase {
	return eltBase{id: -1, timeEstimate: NoEstimate, expectedRepetitions: 1}
}

func (b *eltBase) base() *eltBase { return b }

// ID is the element's index in its compiled program, or -1 before compiling.
func (b *eltBase) ID() int { return b.id }

func (b *eltBase) TimeEstimate() (float64, bool) {
	return b.timeEstimate, b.timeEstimate >= 0
}

func (b *eltBase) ExpectedRepetitions() int { return b.expectedRepetitions }

func (b *eltBase) ReturnsTimeCredit() bool { return b.returnsTimeCredit }

// credit is time estimate × expected repetitions, or 0 for elements that
// return no credit.
func credit(e Elt) float64 {
	if !e.ReturnsTimeCredit() {
		return 0
	}
	te, ok := e.TimeEstimate()
	if !ok {
		return 0
	}
	return te * float64(e.ExpectedRepetitions())
}

// PageElt shows a fixed page.
type PageElt struct {
	eltBase
	page Page
}

// ShowPage places page in the timeline.
func ShowPage(page Page) *PageElt {
	e := &PageElt{eltBase: newBase(), page: page}
	e.returnsTimeCredit = true
	if te, ok := page.TimeEstimate(); ok {
		e.timeEstimate = te
	}
	return e
}

func (e *PageElt) appendTo(dst []Elt) []Elt { return append(dst, e) }

// Page returns the wrapped page.
func (e *PageElt) Page() Page { return e.page }

// Terminal reports whether this is an end page.
func (e *PageElt) Terminal() bool {
	_, ok := e.page.(*EndPage)
	return ok
}

func (e *PageElt) Consume(env *Env) (Transition, error) {
	end, ok := e.page.(*EndPage)
	if !ok {
		return Stop(), nil
	}
	p := env.Participant
	if end.Successful {
		p.Complete = true
		return Stop(), nil
	}
	p.Fail(end.reason(), end.FailureTags...)
	if env.OnFail != nil {
		if err := env.OnFail(env.context(), p); err != nil {
			return Stop(), err
		}
	}
	return Stop(), nil
}

// PageMaker builds its page when the participant reaches it.
type PageMaker struct {
	eltBase
	label string
	fn    PageFunc
}

// NewPageMaker returns a page maker credited with timeEstimate seconds.
func NewPageMaker(label string, fn PageFunc, timeEstimate float64) *PageMaker {
	e := &PageMaker{eltBase: newBase(), label: label, fn: fn}
	e.returnsTimeCredit = true
	e.timeEstimate = timeEstimate
	return e
}

func (e *PageMaker) appendTo(dst []Elt) []Elt { return append(dst, e) }

func (e *PageMaker) Label() string { return e.label }

func (e *PageMaker) Consume(env *Env) (Transition, error) { return Stop(), nil }

// Resolve calls the maker function. If the page disagrees with the maker
// about the time estimate, the maker's estimate stands.
func (e *PageMaker) Resolve(env *Env) (Page, error) {
	page, err := e.fn(env)
	if err != nil {
		return nil, err
	}
	if page == nil {
		return nil, domain.ErrNotOnPage
	}
	if te, ok := page.TimeEstimate(); ok && te != e.timeEstimate {
		env.logger().Warn("page time estimate differs from its page maker, using the page maker's",
			"page", page.Label(), "page_estimate", te, "maker_estimate", e.timeEstimate)
	}
	return page, nil
}

// CodeBlock runs server-side logic without showing anything.
type CodeBlock struct {
	eltBase
	label string
	fn    Func
}

// Code returns a code block running fn.
func Code(label string, fn Func) *CodeBlock {
	return &CodeBlock{eltBase: newBase(), label: label, fn: fn}
}

func (e *CodeBlock) appendTo(dst []Elt) []Elt { return append(dst, e) }

func (e *CodeBlock) Consume(env *Env) (Transition, error) {
	if err := e.fn(env); err != nil {
		return Continue(), err
	}
	return Continue(), nil
}

// MarkerKind tags a control-flow marker.
type MarkerKind int

const (
	MarkNull MarkerKind = iota
	MarkStartWhile
	MarkEndWhile
	MarkStartBranch
	MarkEndSwitch
	MarkStartModule
	MarkEndModule
	MarkStartFixTime
	MarkEndFixTime
)

var markerNames = map[MarkerKind]string{
	MarkNull:         "null",
	MarkStartWhile:   "start_while",
	MarkEndWhile:     "end_while",
	MarkStartBranch:  "start_branch",
	MarkEndSwitch:    "end_switch",
	MarkStartModule:  "start_module",
	MarkEndModule:    "end_module",
	MarkStartFixTime: "start_fix_time",
	MarkEndFixTime:   "end_fix_time",
}

func (k MarkerKind) String() string { return markerNames[k] }

// Marker is a control-flow marker. Fix-time markers carry the block's bound
// as their time estimate; they never return credit on their own.
type Marker struct {
	eltBase
	kind  MarkerKind
	label string
	end   *Marker // start_fix_time only
}

func newMarker(kind MarkerKind, label string) *Marker {
	return &Marker{eltBase: newBase(), kind: kind, label: label}
}

// Null returns a marker that does nothing.
func Null() *Marker { return newMarker(MarkNull, "") }

func (m *Marker) appendTo(dst []Elt) []Elt { return append(dst, m) }

func (m *Marker) Kind() MarkerKind { return m.kind }

func (m *Marker) Label() string { return m.label }

func (m *Marker) Consume(env *Env) (Transition, error) {
	p := env.Participant
	switch m.kind {
	case MarkStartFixTime:
		p.TimeCredit.StartFix(m.timeEstimate)
	case MarkEndFixTime:
		p.TimeCredit.EndFix(m.timeEstimate)
	case MarkStartModule:
		now := env.Now
		p.Module(m.label).StartedAt = &now
	case MarkEndModule:
		now := env.Now
		p.Module(m.label).FinishedAt = &now
	}
	return Continue(), nil
}

// GoTo jumps to a fixed element.
type GoTo struct {
	eltBase
	target     Elt
	endsBranch bool
}

// Goto returns an unconditional jump to target.
func Goto(target Elt) *GoTo {
	return &GoTo{eltBase: newBase(), target: target}
}

func (g *GoTo) appendTo(dst []Elt) []Elt { return append(dst, g) }

func (g *GoTo) Consume(env *Env) (Transition, error) {
	return Jump(g.target.ID()), nil
}

// ReactiveGoTo starts a switch: it evaluates a selector and jumps to the
// start of the matching branch.
type ReactiveGoTo struct {
	eltBase
	label     string
	selector  Selector
	branches  map[string]*Marker
	keys      []string
	logBranch bool
	end       *Marker
}

func (r *ReactiveGoTo) appendTo(dst []Elt) []Elt { return append(dst, r) }

func (r *ReactiveGoTo) Label() string { return r.label }

func (r *ReactiveGoTo) Consume(env *Env) (Transition, error) {
	key, err := r.selector(env)
	if err != nil {
		return Continue(), err
	}
	target, ok := r.branches[key]
	if !ok {
		return Continue(), fmt.Errorf("%w: switch %q returned %q (branches %v)",
			domain.ErrBranchNotFound, r.label, key, r.keys)
	}
	if r.logBranch {
		p := env.Participant
		p.BranchLog = append(p.BranchLog, domain.BranchEntry{Label: r.label, Value: key})
	}
	env.logger().Debug("switch branch chosen", "switch", r.label, "branch", key)
	return Jump(target.ID()), nil
}
