package cdshooks

import "fmt"

// UnsupportedHookTypeError is returned for a hook outside SupportedHooks.
type UnsupportedHookTypeError struct {
	Field string
	Value string
}

func (e *UnsupportedHookTypeError) Error() string {
	return fmt.Sprintf("%s: unsupported hook type %q", e.Field, e.Value)
}

func (e *UnsupportedHookTypeError) Permanent() bool { return true }

// InvalidCardError reports a card that would violate the card schema.
type InvalidCardError struct {
	Field   string
	Value   string
	Message string
}

func (e *InvalidCardError) Error() string {
	return fmt.Sprintf("invalid card %s=%q: %s", e.Field, e.Value, e.Message)
}

func (e *InvalidCardError) Permanent() bool { return true }

// ContextError reports a hook context field that is missing or malformed.
// Value is the offending value, empty when the field is absent.
type ContextError struct {
	Hook    HookType
	Field   string
	Value   string
	Message string
}

func (e *ContextError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s context: %s is required", e.Hook, e.Field)
	}
	return fmt.Sprintf("%s context: %s=%q: %s", e.Hook, e.Field, e.Value, e.Message)
}

func (e *ContextError) Permanent() bool { return true }
