// Package prompt asks the user questions during setup. The TTY
// implementation reads answers from a terminal; NonInteractive answers
// every question with its default so scripted runs never block.
package prompt

import (
	"context"
	"fmt"
	"io"
)

// UserPrompt is how setup flows talk to the user.
type UserPrompt interface {
	// ChooseOption returns the index of the chosen option.
	ChooseOption(ctx context.Context, question string, options []string) (int, error)
	Confirm(ctx context.Context, question string, def bool) (bool, error)
	ShowProgress(step, total int, message string)
}

// NonInteractive picks the first option, accepts defaults and, when Out is
// set, prints progress lines.
type NonInteractive struct {
	Out io.Writer
}

// ChooseOption returns 0, or an error when there is nothing to choose.
func (n NonInteractive) ChooseOption(_ context.Context, question string, options []string) (int, error) {
	if len(options) == 0 {
		return 0, fmt.Errorf("%s: no options", question)
	}
	return 0, nil
}

// Confirm returns def.
func (n NonInteractive) Confirm(_ context.Context, _ string, def bool) (bool, error) {
	return def, nil
}

// ShowProgress writes "[step/total] message" when Out is set.
func (n NonInteractive) ShowProgress(step, total int, message string) {
	if n.Out == nil {
		return
	}
	fmt.Fprintf(n.Out, "[%d/%d] %s\n", step, total, message)
}
