package strategy

import "fmt"

// UnknownStrategyError is returned when a Strategy value outside the closed
// set reaches the catalog.
type UnknownStrategyError struct {
	Strategy Strategy
}

func (e *UnknownStrategyError) Error() string {
	return fmt.Sprintf("strategy: unknown strategy %d", uint8(e.Strategy))
}

// InvalidStrategyError is returned when the model selects a value that is not
// a member of the catalog. Raw carries the offending value as received.
type InvalidStrategyError struct {
	Raw string
	Err error
}

func (e *InvalidStrategyError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("strategy: invalid user interaction strategy %q", e.Raw)
	}
	return fmt.Sprintf("strategy: invalid user interaction strategy %q: %v", e.Raw, e.Err)
}

func (e *InvalidStrategyError) Unwrap() error {
	return e.Err
}
