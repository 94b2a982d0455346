// Package tooltest provides a scripted tool.Runner for tests.
package tooltest

import (
	"context"
	"io"
	"strings"
	"sync"

	"drb/internal/tool"
)

// Handler decides the outcome of one command. Returning handled=false
// lets the next handler (or the default success) take over.
type Handler func(cmd tool.Command) (res tool.Result, handled bool)

// Runner records every command and answers from its handlers.
// Unmatched commands succeed with empty output.
type Runner struct {
	mu       sync.Mutex
	handlers []Handler
	calls    []tool.Command
}

func New(handlers ...Handler) *Runner {
	return &Runner{handlers: handlers}
}

func (r *Runner) Handle(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, h)
}

func (r *Runner) Run(_ context.Context, cmd tool.Command) tool.Result {
	r.mu.Lock()
	r.calls = append(r.calls, cmd)
	handlers := append([]Handler(nil), r.handlers...)
	r.mu.Unlock()

	for _, h := range handlers {
		if res, ok := h(cmd); ok {
			return res
		}
	}
	if cmd.Stdin != nil {
		_, _ = io.Copy(io.Discard, cmd.Stdin)
	}
	return tool.Succeeded(cmd, "")
}

// Calls returns the command lines seen so far.
func (r *Runner) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	for i, c := range r.calls {
		out[i] = c.String()
	}
	return out
}

// Count returns how many recorded commands contain substr.
func (r *Runner) Count(substr string) int {
	n := 0
	for _, c := range r.Calls() {
		if strings.Contains(c, substr) {
			n++
		}
	}
	return n
}

// FailWhen fails every command whose line contains substr.
func FailWhen(substr string, output string) Handler {
	return func(cmd tool.Command) (tool.Result, bool) {
		if strings.Contains(cmd.String(), substr) {
			return tool.Failed(cmd, 1, output), true
		}
		return tool.Result{}, false
	}
}

// Reply answers every command whose line contains substr with output,
// writing it to cmd.Stdout when a stream is attached.
func Reply(substr string, output string) Handler {
	return func(cmd tool.Command) (tool.Result, bool) {
		if !strings.Contains(cmd.String(), substr) {
			return tool.Result{}, false
		}
		if cmd.Stdout != nil {
			_, _ = io.WriteString(cmd.Stdout, output)
			return tool.Succeeded(cmd, ""), true
		}
		return tool.Succeeded(cmd, output), true
	}
}
