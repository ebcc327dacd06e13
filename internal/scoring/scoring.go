// Package scoring grades submitted answers against a question's answer key
// and converts correctness and speed into points.
package scoring

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/thaihoandev/quizlive/internal/domain"
	"github.com/thaihoandev/quizlive/internal/errors"
)

// Grade evaluates an answer against the question's options and returns the
// correctness factor in [0, 1]. Only MATCHING awards partial credit, as the
// fraction of correctly matched pairs; every other kind is binary.
func Grade(q domain.Question, a domain.Answer) (decimal.Decimal, error) {
	if a.Kind != q.Kind {
		return decimal.Zero, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("answer kind %s does not match question kind %s", a.Kind, q.Kind),
		)
	}

	switch q.Kind {
	case domain.KindDropdown:
		return binary(gradeDropdown(q, a)), nil
	case domain.KindHotspot:
		return binary(gradeHotspot(q, a)), nil
	case domain.KindTrueFalse:
		return binary(gradeTrueFalse(q, a)), nil
	case domain.KindMatching:
		return gradeMatching(q, a), nil
	default:
		return decimal.Zero, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("unknown question kind: %s", q.Kind),
		)
	}
}

func gradeDropdown(q domain.Question, a domain.Answer) bool {
	for _, opt := range q.Options {
		if opt.Correct && opt.Dropdown != nil && opt.Dropdown.Value == a.Selected {
			return true
		}
	}
	return false
}

func gradeHotspot(q domain.Question, a domain.Answer) bool {
	for _, opt := range q.Options {
		if opt.Correct && opt.Hotspot != nil && opt.Hotspot.Contains(a.X, a.Y) {
			return true
		}
	}
	return false
}

func gradeTrueFalse(q domain.Question, a domain.Answer) bool {
	for _, opt := range q.Options {
		if opt.Correct && opt.TrueFalse != nil {
			return opt.TrueFalse.Value == a.Value
		}
	}
	return false
}

func gradeMatching(q domain.Question, a domain.Answer) decimal.Decimal {
	total := 0
	matched := 0
	for _, opt := range q.Options {
		if opt.Matching == nil {
			continue
		}
		total++
		if a.Matches[opt.Matching.LeftKey] == opt.Matching.RightKey {
			matched++
		}
	}
	if total == 0 {
		return decimal.Zero
	}

	return decimal.NewFromInt(int64(matched)).Div(decimal.NewFromInt(int64(total)))
}

func binary(correct bool) decimal.Decimal {
	if correct {
		return decimal.NewFromInt(1)
	}
	return decimal.Zero
}

// Points converts a correctness factor into awarded points:
//
//	points = basePoints * correctness * max(0, 1 - elapsed/window)
//
// rounded to the nearest integer. Elapsed is measured server-side from the
// question's open timestamp; an elapsed at or past the window scores zero.
func Points(basePoints int, correctness decimal.Decimal, elapsed, window time.Duration) int {
	if correctness.IsZero() || window <= 0 || elapsed >= window {
		return 0
	}
	if elapsed < 0 {
		elapsed = 0
	}

	speed := decimal.NewFromInt(1).Sub(
		decimal.NewFromInt(elapsed.Milliseconds()).Div(decimal.NewFromInt(window.Milliseconds())),
	)

	points := decimal.NewFromInt(int64(basePoints)).Mul(correctness).Mul(speed)
	return int(points.Round(0).IntPart())
}
