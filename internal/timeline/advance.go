package timeline

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/trialflow/trialflow/internal/domain"
)

// maxAdvanceSteps guards against loops that never reach a page.
const maxAdvanceSteps = 100_000

// Start places a new participant on the first page.
func (p *Program) Start(env *Env) error {
	env.Participant.EltID = -1
	return p.Advance(env)
}

// Advance moves the participant from their current page to the next one.
//
// The page being left is credited once. The cursor then steps forward,
// consuming each element it lands on: code blocks run, markers do their
// bookkeeping, jumps set the cursor to target-1 so the next step lands on
// the target. The walk stops at the first page or page maker, which gets a
// fresh page UUID.
func (p *Program) Advance(env *Env) error {
	part := env.Participant
	if part.EltID >= 0 && part.EltID < len(p.elts) {
		if cur := p.elts[part.EltID]; cur.ReturnsTimeCredit() {
			if te, ok := cur.TimeEstimate(); ok {
				part.TimeCredit.Increment(te)
			}
		}
	}

	for step := 0; step < maxAdvanceSteps; step++ {
		part.EltID++
		if part.EltID < 0 || part.EltID >= len(p.elts) {
			return fmt.Errorf("%w: position %d of %d", domain.ErrCursorOutOfBounds, part.EltID, len(p.elts))
		}
		elt := p.elts[part.EltID]
		tr, err := elt.Consume(env)
		if err != nil {
			return fmt.Errorf("element %d: %w", part.EltID, err)
		}
		switch tr.kind {
		case transitionJump:
			part.EltID = tr.target - 1
		case transitionStop:
			part.PageUUID = uuid.NewString()
			return nil
		}
	}
	return fmt.Errorf("advance: no page reached after %d steps", maxAdvanceSteps)
}

// CurrentPage returns the page the participant is on, resolving page
// makers.
func (p *Program) CurrentPage(env *Env) (Page, error) {
	id := env.Participant.EltID
	if id < 0 || id >= len(p.elts) {
		return nil, domain.ErrNotOnPage
	}
	switch e := p.elts[id].(type) {
	case *PageElt:
		return e.page, nil
	case *PageMaker:
		return e.Resolve(env)
	default:
		return nil, fmt.Errorf("%w: element %d is a %T", domain.ErrNotOnPage, id, e)
	}
}
