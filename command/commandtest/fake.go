// Package commandtest provides a scripted command.Runner for tests.
package commandtest

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/superfly/dosimg/command"
)

// Call records one invocation seen by a Fake.
type Call struct {
	Name string
	Args []string
}

// String renders the call the way it would be typed in a shell.
func (c Call) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

// Response is what a Fake returns for a matched command.
type Response struct {
	Output   string
	ExitCode int
	Err      error
}

// Fake implements command.Runner. Responses are keyed by command name and
// consumed in order; once a queue is drained the last response repeats.
// Unscripted commands succeed with empty output.
type Fake struct {
	mu        sync.Mutex
	calls     []Call
	responses map[string][]Response

	// Hook, when set, runs before the scripted response is looked up and
	// may override it by returning a non-nil Result or error.
	Hook func(ctx context.Context, name string, args []string) (*command.Result, error)
}

// New creates an empty Fake.
func New() *Fake {
	return &Fake{responses: make(map[string][]Response)}
}

// On queues a response for the named command.
func (f *Fake) On(name string, r Response) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[name] = append(f.responses[name], r)
	return f
}

// Fail queues a non-zero exit for the named command.
func (f *Fake) Fail(name, output string) *Fake {
	return f.On(name, Response{Output: output, ExitCode: 1, Err: errors.New("exit status 1")})
}

// Run implements command.Runner.
func (f *Fake) Run(ctx context.Context, name string, args ...string) (*command.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, Call{Name: name, Args: append([]string(nil), args...)})
	hook := f.Hook
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, &command.ToolError{Command: name, Args: args, ExitCode: -1, Err: err}
	}

	if hook != nil {
		if res, err := hook(ctx, name, args); res != nil || err != nil {
			return res, err
		}
	}

	f.mu.Lock()
	var r Response
	if q := f.responses[name]; len(q) > 0 {
		r = q[0]
		if len(q) > 1 {
			f.responses[name] = q[1:]
		}
	}
	f.mu.Unlock()

	res := &command.Result{
		Command:  name,
		Args:     args,
		Stdout:   r.Output,
		Combined: r.Output,
		ExitCode: r.ExitCode,
	}
	if r.Err != nil {
		return res, &command.ToolError{Command: name, Args: args, ExitCode: r.ExitCode, Output: r.Output, Err: r.Err}
	}
	return res, nil
}

// Calls returns a copy of all recorded calls.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Named returns the recorded calls for one command.
func (f *Fake) Named(name string) []Call {
	var out []Call
	for _, c := range f.Calls() {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}

// Commands returns the recorded calls rendered as strings.
func (f *Fake) Commands() []string {
	calls := f.Calls()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.String()
	}
	return out
}
