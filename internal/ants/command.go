// Package ants binds the pipeline to the external ANTs command-line tools.
// Every expensive voxel-level operation (bias correction, segmentation,
// registration, resampling, averaging, template construction) is an
// opaque blocking invocation of one of these tools; this package only
// owns the calling contracts.
package ants

import (
	"bytes"
	"context"
	"os/exec"
)

// CommandExecutor runs one prepared external command.
// The abstraction enables unit testing without real tool execution.
type CommandExecutor interface {
	// Run executes the command and returns the combined output (stdout+stderr).
	Run() ([]byte, error)
}

// CommandBuilder prepares external commands for execution.
type CommandBuilder interface {
	// BuildCommand creates a CommandExecutor for the named tool and arguments.
	BuildCommand(ctx context.Context, name string, args ...string) CommandExecutor
}

// RealCommandExecutor wraps exec.Cmd.
type RealCommandExecutor struct {
	cmd *exec.Cmd
}

// Run executes the command and returns combined output.
func (r *RealCommandExecutor) Run() ([]byte, error) {
	return r.cmd.CombinedOutput()
}

// RealCommandBuilder builds commands with exec.CommandContext. Env carries
// extra environment entries appended to the inherited environment; the
// engine uses it to pass the tool thread count through.
type RealCommandBuilder struct {
	Env []string
}

// BuildCommand creates an executor for the given tool and arguments.
func (b *RealCommandBuilder) BuildCommand(ctx context.Context, name string, args ...string) CommandExecutor {
	cmd := exec.CommandContext(ctx, name, args...)
	if len(b.Env) > 0 {
		cmd.Env = append(cmd.Environ(), b.Env...)
	}
	return &RealCommandExecutor{cmd: cmd}
}

// RecordedCommand is one invocation captured by MockCommandBuilder.
type RecordedCommand struct {
	Name string
	Args []string
}

// String renders the invocation the way a shell user would type it.
func (c RecordedCommand) String() string {
	var buf bytes.Buffer
	buf.WriteString(c.Name)
	for _, a := range c.Args {
		buf.WriteByte(' ')
		buf.WriteString(a)
	}
	return buf.String()
}

// MockCommandBuilder records invocations and returns scripted results.
type MockCommandBuilder struct {
	// Commands holds every invocation in order.
	Commands []RecordedCommand

	// Err, when set, is returned by every executed command.
	Err error

	// Output is returned by every executed command.
	Output []byte

	// OnRun, when set, is called before each command completes; tests use
	// it to create the output files a real tool would have written.
	OnRun func(cmd RecordedCommand) error
}

type mockExecutor struct {
	builder *MockCommandBuilder
	cmd     RecordedCommand
}

// BuildCommand records and returns a scripted executor.
func (b *MockCommandBuilder) BuildCommand(ctx context.Context, name string, args ...string) CommandExecutor {
	cmd := RecordedCommand{Name: name, Args: args}
	b.Commands = append(b.Commands, cmd)
	return &mockExecutor{builder: b, cmd: cmd}
}

func (m *mockExecutor) Run() ([]byte, error) {
	if m.builder.OnRun != nil {
		if err := m.builder.OnRun(m.cmd); err != nil {
			return m.builder.Output, err
		}
	}
	return m.builder.Output, m.builder.Err
}
