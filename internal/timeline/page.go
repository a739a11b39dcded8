package timeline

import (
	"encoding/json"
	"fmt"
	"slices"

	gojson "github.com/goccy/go-json"

	"github.com/trialflow/trialflow/internal/domain"
)

// DefaultValidationMessage is shown when a validator gives no message.
const DefaultValidationMessage = "Invalid response, please try again."

// FailedValidation is returned by Page.Validate to send the participant back
// to the same page with a message. It is not an error.
type FailedValidation struct {
	Message string `json:"message"`
}

// Invalid returns a FailedValidation with msg, or the default message.
func Invalid(msg string) *FailedValidation {
	if msg == "" {
		msg = DefaultValidationMessage
	}
	return &FailedValidation{Message: msg}
}

// Page is something shown to a participant. Rendering is opaque to the
// timeline: Render's output goes straight to the client.
type Page interface {
	Label() string
	Type() string
	TimeEstimate() (float64, bool)
	Render(p *domain.Participant) any
	FormatAnswer(raw json.RawMessage) (any, error)
	Validate(resp *domain.Response, answer any) *FailedValidation
}

func estimate(te float64) (float64, bool) { return te, te >= 0 }

// ─── Info Page ──────────────────────────────────────────────────────────────

// InfoPage shows content and expects no answer.
type InfoPage struct {
	Name     string
	Content  string
	Estimate float64
}

// NewInfoPage returns an info page.
func NewInfoPage(label, content string, timeEstimate float64) *InfoPage {
	return &InfoPage{Name: label, Content: content, Estimate: timeEstimate}
}

func (p *InfoPage) Label() string { return p.Name }

func (p *InfoPage) Type() string { return "info" }

func (p *InfoPage) TimeEstimate() (float64, bool) { return estimate(p.Estimate) }

func (p *InfoPage) FormatAnswer(json.RawMessage) (any, error) { return nil, nil }

func (p *InfoPage) Validate(*domain.Response, any) *FailedValidation { return nil }

func (p *InfoPage) Render(*domain.Participant) any {
	return map[string]any{"content": p.Content}
}

// ─── Modular Page ───────────────────────────────────────────────────────────

// Validator checks a formatted answer.
type Validator func(answer any) *FailedValidation

// ModularPage is a prompt plus an optional choice control.
type ModularPage struct {
	Name     string
	Prompt   string
	Choices  []string
	Estimate float64
	// Extra is passed through to the client untouched.
	Extra     map[string]any
	Validator Validator
}

// NewModularPage returns a page asking prompt. With choices, the answer
// must be one of them.
func NewModularPage(label, prompt string, choices []string, timeEstimate float64) *ModularPage {
	return &ModularPage{Name: label, Prompt: prompt, Choices: choices, Estimate: timeEstimate}
}

func (p *ModularPage) Label() string { return p.Name }

func (p *ModularPage) Type() string { return "modular" }

func (p *ModularPage) TimeEstimate() (float64, bool) { return estimate(p.Estimate) }

func (p *ModularPage) Render(*domain.Participant) any {
	out := map[string]any{"prompt": p.Prompt}
	if len(p.Choices) > 0 {
		out["choices"] = p.Choices
	}
	for k, v := range p.Extra {
		out[k] = v
	}
	return out
}

func (p *ModularPage) FormatAnswer(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var answer any
	if err := gojson.Unmarshal(raw, &answer); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrBadAnswer, err)
	}
	return answer, nil
}

func (p *ModularPage) Validate(_ *domain.Response, answer any) *FailedValidation {
	if len(p.Choices) > 0 {
		s, ok := answer.(string)
		if !ok || !slices.Contains(p.Choices, s) {
			return Invalid("Please choose one of the options.")
		}
	}
	if p.Validator != nil {
		return p.Validator(answer)
	}
	return nil
}

// ─── End Page ───────────────────────────────────────────────────────────────

// EndPage terminates the timeline. An unsuccessful end page fails the
// participant with its failure tags.
type EndPage struct {
	Successful  bool
	FailureTags []string
	Content     string
	Estimate    float64
}

// SuccessfulEnd returns the terminal element for participants who finish.
func SuccessfulEnd() *PageElt {
	return ShowPage(&EndPage{
		Successful: true,
		Content:    "That's the end of the experiment! Thank you for taking part.",
	})
}

// UnsuccessfulEnd returns a terminal element that fails the participant.
func UnsuccessfulEnd(tags ...string) *PageElt {
	return ShowPage(&EndPage{
		FailureTags: tags,
		Content:     "Unfortunately the experiment must end early. You will still be paid for the time you spent.",
	})
}

func (p *EndPage) Label() string {
	if p.Successful {
		return "end_successful"
	}
	return "end_unsuccessful"
}

func (p *EndPage) Type() string { return p.Label() }

func (p *EndPage) TimeEstimate() (float64, bool) { return estimate(p.Estimate) }

func (p *EndPage) FormatAnswer(json.RawMessage) (any, error) { return nil, nil }

func (p *EndPage) Validate(*domain.Response, any) *FailedValidation { return nil }

func (p *EndPage) Render(*domain.Participant) any {
	return map[string]any{"content": p.Content, "successful": p.Successful}
}

func (p *EndPage) reason() string {
	if len(p.FailureTags) > 0 {
		return p.FailureTags[0]
	}
	return "unsuccessful_end"
}
