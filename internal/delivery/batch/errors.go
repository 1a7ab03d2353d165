package batch

import (
	"errors"
	"fmt"
)

// ErrInvalidBatch is matched by every validation failure.
var ErrInvalidBatch = errors.New("invalid delivery batch")

// Rule identifies a validation rule. Rules are checked in ascending order.
type Rule int

const (
	RuleNotEmpty Rule = iota + 1
	RuleUniqueTarget
	RuleTargetSelected
	RulePositiveQuantity
	RuleWithinPending
	RuleValidDate
	RuleWithinTotal
)

func (r Rule) String() string {
	switch r {
	case RuleNotEmpty:
		return "not_empty"
	case RuleUniqueTarget:
		return "unique_target"
	case RuleTargetSelected:
		return "target_selected"
	case RulePositiveQuantity:
		return "positive_quantity"
	case RuleWithinPending:
		return "within_pending"
	case RuleValidDate:
		return "valid_date"
	case RuleWithinTotal:
		return "within_total"
	default:
		return fmt.Sprintf("rule_%d", int(r))
	}
}

// ValidationError describes the first rule a batch violates.
type ValidationError struct {
	Rule Rule
	// Row is the 1-based draft position, zero for batch-wide failures.
	Row int
	// Item is the label of the offending material, if known.
	Item    string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// Unwrap makes errors.Is(err, ErrInvalidBatch) hold.
func (e *ValidationError) Unwrap() error {
	return ErrInvalidBatch
}

func fail(rule Rule, row int, item, format string, args ...any) *ValidationError {
	return &ValidationError{Rule: rule, Row: row, Item: item, Message: fmt.Sprintf(format, args...)}
}
