package domain

import (
	"time"

	"github.com/google/uuid"
)

// OptionKind tags the variant of a question's options and of submitted
// answers.
type OptionKind string

const (
	KindDropdown  OptionKind = "DROPDOWN"
	KindHotspot   OptionKind = "HOTSPOT"
	KindMatching  OptionKind = "MATCHING"
	KindTrueFalse OptionKind = "TRUE_FALSE"
)

// Question is quiz content handed to the engine at game creation. The engine
// does not author or store quiz content durably; it only grades against it.
type Question struct {
	ID         uuid.UUID  `json:"question_id"`
	QuizID     uuid.UUID  `json:"quiz_id"`
	Text       string     `json:"text"`
	Kind       OptionKind `json:"kind"`
	OrderIndex int        `json:"order_index"`

	// Window overrides Settings.AnswerWindow when non-zero.
	Window time.Duration `json:"window,omitempty"`
	// Points overrides Settings.BasePoints when non-zero.
	Points int `json:"points,omitempty"`

	Options []Option `json:"options"`
}

// AnswerWindow returns the effective window for this question.
func (q Question) AnswerWindow(s Settings) time.Duration {
	if q.Window > 0 {
		return q.Window
	}
	return s.AnswerWindow
}

// BasePoints returns the effective base points for this question.
func (q Question) BasePoints(s Settings) int {
	if q.Points > 0 {
		return q.Points
	}
	return s.BasePoints
}

// Option is one element of a question's answer key. The shared envelope
// carries identity, ordering and correctness; exactly one variant payload is
// set, matching the question's Kind.
type Option struct {
	ID         uuid.UUID `json:"option_id"`
	QuestionID uuid.UUID `json:"question_id"`
	OrderIndex int       `json:"order_index"`
	Correct    bool      `json:"correct"`

	Dropdown  *DropdownOption  `json:"dropdown,omitempty"`
	Hotspot   *HotspotOption   `json:"hotspot,omitempty"`
	Matching  *MatchingOption  `json:"matching,omitempty"`
	TrueFalse *TrueFalseOption `json:"true_false,omitempty"`
}

// DropdownOption is a selectable value with a display label.
type DropdownOption struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

// HotspotOption is a rectangular region on an image.
type HotspotOption struct {
	ImageURL string  `json:"image_url,omitempty"`
	Label    string  `json:"label,omitempty"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Width    float64 `json:"width"`
	Height   float64 `json:"height"`
}

// Contains reports whether the point (x, y) falls inside the region.
func (h HotspotOption) Contains(x, y float64) bool {
	return x >= h.X && x <= h.X+h.Width && y >= h.Y && y <= h.Y+h.Height
}

// MatchingOption is one correct left/right pairing.
type MatchingOption struct {
	LeftKey   string `json:"left_key"`
	LeftItem  string `json:"left_item"`
	RightKey  string `json:"right_key"`
	RightItem string `json:"right_item"`
}

// TrueFalseOption carries the boolean key side.
type TrueFalseOption struct {
	Value bool `json:"value"`
}

// Answer is a submitted answer payload, tagged with the same variant kinds
// as the question it answers.
type Answer struct {
	Kind OptionKind `json:"kind"`

	// Selected is the chosen value for DROPDOWN.
	Selected string `json:"selected,omitempty"`
	// Value is the chosen side for TRUE_FALSE.
	Value bool `json:"value,omitempty"`
	// X, Y is the clicked point for HOTSPOT.
	X float64 `json:"x,omitempty"`
	Y float64 `json:"y,omitempty"`
	// Matches maps left keys to chosen right keys for MATCHING.
	Matches map[string]string `json:"matches,omitempty"`
}
