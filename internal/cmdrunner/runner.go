/*
   Copyright The containerd Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

// Package cmdrunner models invocation of external processes (the image
// copy and unpack tools) behind a small interface so tests can inject a fake
// executor in place of os/exec, per the teacher's "external-process
// wrappers" design note.
package cmdrunner

import (
	"bytes"
	"context"
	"os/exec"
)

// Result is the outcome of a completed external process invocation.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Runner invokes external processes. The real implementation shells out via
// os/exec; tests substitute a Fake.
type Runner interface {
	// Run executes name with args, feeding stdin (may be nil) and
	// capturing stdout/stderr, with env appended to the process
	// environment (not replacing it — PATH/HOME/USER are inherited).
	Run(ctx context.Context, name string, args []string, stdin []byte, env []string) (Result, error)
}

// Exec is the real Runner, backed by os/exec.CommandContext.
type Exec struct{}

func (Exec) Run(ctx context.Context, name string, args []string, stdin []byte, env []string) (Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if len(env) > 0 {
		cmd.Env = append(cmd.Environ(), env...)
	}
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	res := Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if exitErr, ok := runErr.(*exec.ExitError); ok {
		res.ExitCode = exitErr.ExitCode()
		return res, runErr
	}
	if runErr != nil {
		return res, runErr
	}
	return res, nil
}

// Fake is a Runner used by unit tests to avoid touching the host.
type Fake struct {
	// Responses is consulted in call order; each call pops the first
	// entry. If empty, Run returns a zero Result and nil error.
	Responses []FakeResponse
	Calls     []FakeCall
}

// FakeCall records one invocation for assertions.
type FakeCall struct {
	Name string
	Args []string
	Env  []string
}

// FakeResponse is the queued reply for one Fake.Run call.
type FakeResponse struct {
	Result Result
	Err    error
}

func (f *Fake) Run(ctx context.Context, name string, args []string, stdin []byte, env []string) (Result, error) {
	f.Calls = append(f.Calls, FakeCall{Name: name, Args: args, Env: env})
	if len(f.Responses) == 0 {
		return Result{}, nil
	}
	resp := f.Responses[0]
	f.Responses = f.Responses[1:]
	return resp.Result, resp.Err
}
