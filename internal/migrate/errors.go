package migrate

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

var (
	// ErrConfiguration reports settings that cannot be combined.
	ErrConfiguration = errors.New("invalid configuration")
	// ErrInconsistentState reports a database whose execution record needs
	// manual attention before any script may run.
	ErrInconsistentState = errors.New("database is in an inconsistent state")
	// ErrIrregularUpdates reports script changes that cannot be applied
	// incrementally.
	ErrIrregularUpdates = errors.New("irregular script updates")
)

// ScriptExecutionError wraps a failure of one script with the script name
// and the start of its content.
type ScriptExecutionError struct {
	Script  string
	Content string
	Err     error
}

func (e *ScriptExecutionError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "error while executing script %s: %v", e.Script, e.Err)
	if e.Content != "" {
		fmt.Fprintf(&b, "\n\nscript content:\n%s", e.Content)
	}
	b.WriteString("\n\nthe script is recorded as failed; fix it and run update again, or use mark-error-performed / mark-error-reverted")
	return b.String()
}

func (e *ScriptExecutionError) Unwrap() error { return e.Err }

func truncate(s string, maxChars int) string {
	if maxChars <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= maxChars {
		return s
	}
	r := []rune(s)
	return string(r[:maxChars]) + "..."
}
