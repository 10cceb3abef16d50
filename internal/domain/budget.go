package domain

import "fmt"

const unknownBudgetType = "unknown"

// BudgetType represents the type of budget limit that can be exceeded.
// Using typed constants provides compile-time safety and enables exhaustive
// switch statements for budget violation handling.
type BudgetType uint8

const (
	// BudgetCost represents monetary cost limits.
	BudgetCost BudgetType = iota

	// BudgetTrials represents trial count limits.
	BudgetTrials

	// BudgetTokens represents token consumption limits.
	BudgetTokens
)

// String returns the string representation of a BudgetType.
func (b BudgetType) String() string {
	switch b {
	case BudgetCost:
		return "cost"
	case BudgetTrials:
		return "trials"
	case BudgetTokens:
		return "tokens"
	default:
		return unknownBudgetType
	}
}

// BudgetExceededError indicates that an operation would exceed budget limits.
// It provides detailed information about which limit was exceeded and by how
// much, enabling precise error reporting and recovery strategies.
type BudgetExceededError struct {
	// Type indicates which budget limit was exceeded.
	Type BudgetType

	// Limit is the budget limit that would be exceeded.
	Limit int64

	// Current is the current usage before the attempted operation.
	Current int64

	// Required is the amount required for the attempted operation.
	Required int64
}

// Error returns a formatted error message describing the budget violation.
func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("budget exceeded for %s: limit=%d, current=%d, required=%d",
		e.Type, e.Limit, e.Current, e.Required)
}

// OverBy returns how much the operation would exceed the budget limit.
func (e *BudgetExceededError) OverBy() int64 { return e.Current + e.Required - e.Limit }

// NewBudgetExceededError creates a budget exceeded error with detailed context.
func NewBudgetExceededError(budgetType BudgetType, limit, current, required int64) *BudgetExceededError {
	return &BudgetExceededError{
		Type:     budgetType,
		Limit:    limit,
		Current:  current,
		Required: required,
	}
}
