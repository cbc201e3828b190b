package blastbox

import (
	"context"
	"errors"
)

var errRuntimeUnreachable = errors.New("fake runtime: unreachable")

// fakeRuntime is the in-process Runtime substitute named in spec §9's
// design notes ("so tests can substitute an in-process fake").
type fakeRuntime struct {
	result RunResult
	err    error
	// during, when set, runs inside Run to stand in for the command's
	// side effects on the workspace.
	during func()
}

func (f *fakeRuntime) Run(ctx context.Context, workspace string, command string, cfg Config) (RunResult, error) {
	if f.during != nil {
		f.during()
	}
	return f.result, f.err
}
