package notify

import "context"

// Answer is the outcome of a confirmation prompt.
type Answer int

const (
	AnswerNo Answer = iota
	AnswerYes
	AnswerCancel
)

// Prompter asks the user to confirm destructive or disruptive actions.
type Prompter interface {
	// ConfirmDelete asks whether count items may be removed from the device
	// together with their files.
	ConfirmDelete(ctx context.Context, device string, count int) Answer
	// StopTransfer asks whether a running transfer should stop now (true) or
	// finish before the device disconnects (false).
	StopTransfer(ctx context.Context, device string) bool
}

type answerKey struct{}

// WithAnswer attaches the answer a caller has already given to ctx.
func WithAnswer(ctx context.Context, a Answer) context.Context {
	return context.WithValue(ctx, answerKey{}, a)
}

// AnswerFrom returns the answer attached to ctx.
func AnswerFrom(ctx context.Context) (Answer, bool) {
	a, ok := ctx.Value(answerKey{}).(Answer)
	return a, ok
}

// ContextPrompt answers prompts from the answer carried by the request
// context, falling back to Default. Non-interactive callers such as the HTTP
// API attach the user's decision with WithAnswer.
type ContextPrompt struct {
	Default Answer
}

// ConfirmDelete implements Prompter.
func (p ContextPrompt) ConfirmDelete(ctx context.Context, _ string, _ int) Answer {
	if a, ok := AnswerFrom(ctx); ok {
		return a
	}
	return p.Default
}

// StopTransfer implements Prompter.
func (p ContextPrompt) StopTransfer(ctx context.Context, _ string) bool {
	if a, ok := AnswerFrom(ctx); ok {
		return a == AnswerYes
	}
	return p.Default == AnswerYes
}
