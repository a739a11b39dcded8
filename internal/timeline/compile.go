package timeline

import (
	"fmt"

	"github.com/trialflow/trialflow/internal/domain"
)

// StructureError reports a malformed timeline. Err is one of the
// structural sentinels in domain.
type StructureError struct {
	Index  int
	Err    error
	Detail string
}

func (e *StructureError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("timeline element %d: %v", e.Index, e.Err)
	}
	return fmt.Sprintf("timeline element %d: %v: %s", e.Index, e.Err, e.Detail)
}

func (e *StructureError) Unwrap() error { return e.Err }

// Program is a compiled timeline: a flat array of elements whose ids equal
// their indices. It is immutable and safe to share between goroutines.
type Program struct {
	elts     []Elt
	modules  []string
	estimate *CreditEstimate
}

// Compile flattens nodes into a Program and validates it.
func Compile(nodes ...Node) (*Program, error) {
	elts := Join(nodes...)
	if len(elts) == 0 {
		return nil, &StructureError{Index: 0, Err: domain.ErrEmptyTimeline}
	}

	seen := make(map[Elt]int, len(elts))
	for i, e := range elts {
		if j, ok := seen[e]; ok {
			return nil, &StructureError{Index: i, Err: domain.ErrAliasedElt,
				Detail: fmt.Sprintf("same instance already at position %d", j)}
		}
		if e.base().placed {
			return nil, &StructureError{Index: i, Err: domain.ErrAliasedElt,
				Detail: "instance already belongs to another compiled timeline"}
		}
		seen[e] = i
	}

	p := &Program{elts: elts}
	if err := p.validate(seen); err != nil {
		return nil, err
	}

	for i, e := range elts {
		b := e.base()
		b.id = i
		b.placed = true
	}
	for i, e := range elts {
		if e.ID() != i {
			return nil, &StructureError{Index: i, Err: domain.ErrAliasedElt,
				Detail: fmt.Sprintf("ended up with id %d", e.ID())}
		}
	}

	est, err := Estimate(elts)
	if err != nil {
		return nil, err
	}
	p.estimate = est
	return p, nil
}

// MustCompile is Compile for timelines known to be valid, such as those in
// tests.
func MustCompile(nodes ...Node) *Program {
	p, err := Compile(nodes...)
	if err != nil {
		panic(err)
	}
	return p
}

func (p *Program) validate(index map[Elt]int) error {
	last := p.elts[len(p.elts)-1]
	if pe, ok := last.(*PageElt); !ok || !pe.Terminal() {
		return &StructureError{Index: len(p.elts) - 1, Err: domain.ErrMissingTerminal}
	}

	fixed := false
	labels := map[string]bool{}
	for i, e := range p.elts {
		switch e := e.(type) {
		case *PageElt, *PageMaker:
			if _, ok := e.TimeEstimate(); !ok {
				return &StructureError{Index: i, Err: domain.ErrMissingTimeEstimate}
			}
		case *Marker:
			switch e.kind {
			case MarkStartFixTime:
				if fixed {
					return &StructureError{Index: i, Err: domain.ErrNestedFixTime}
				}
				fixed = true
			case MarkEndFixTime:
				fixed = false
			case MarkStartModule:
				if labels[e.label] {
					return &StructureError{Index: i, Err: domain.ErrDuplicateModule, Detail: e.label}
				}
				labels[e.label] = true
				p.modules = append(p.modules, e.label)
			}
		case *GoTo:
			if _, ok := index[e.target]; !ok {
				return &StructureError{Index: i, Err: domain.ErrDanglingGoTo}
			}
		case *ReactiveGoTo:
			for key, target := range e.branches {
				if _, ok := index[target]; !ok {
					return &StructureError{Index: i, Err: domain.ErrDanglingGoTo, Detail: "branch " + key}
				}
			}
		}
	}
	return nil
}

// Len is the number of elements.
func (p *Program) Len() int { return len(p.elts) }

// Elt returns the element with id i.
func (p *Program) Elt(i int) Elt { return p.elts[i] }

// Modules lists module labels in timeline order.
func (p *Program) Modules() []string { return p.modules }

// Estimate is the credit estimate computed at compile time.
func (p *Program) Estimate() *CreditEstimate { return p.estimate }
