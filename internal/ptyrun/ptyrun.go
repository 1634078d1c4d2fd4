// Package ptyrun is a thin adapter for running an external command under
// a pseudo-terminal and capturing its combined output. It has no
// knowledge of tasks or the coordinator protocol: it exists so `fleetline
// agent run --exec` can hand a task off to a real subprocess (for
// example, the downstream AI coding agent) instead of a no-op demo
// callback. Invocation of that downstream process is explicitly out of
// scope for the coordinator core; this package is the thin external
// collaborator spec.md §1 describes.
package ptyrun

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/creack/pty"
)

// Run executes name with args in dir, feeding stdin (if non-empty) to
// the child and copying its combined pty output to output. Modeled on
// the teacher's invokeAgent: a PathError wrapping EIO at the pty's
// far end just means the child exited and is not an error.
func Run(name string, args []string, dir, stdin string, output io.Writer) error {
	cmd := exec.Command(name, args...)
	cmd.Dir = dir

	ptmx, pts, err := pty.Open()
	if err != nil {
		return fmt.Errorf("opening pty: %w", err)
	}
	defer ptmx.Close()

	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	cmd.Stdout = pts
	cmd.Stderr = pts

	if err := cmd.Start(); err != nil {
		pts.Close()
		return fmt.Errorf("starting command: %w", err)
	}
	pts.Close() // slave is inherited by the child; close the parent's copy

	if _, err := io.Copy(output, ptmx); err != nil {
		var pathErr *os.PathError
		if !(errors.As(err, &pathErr) && pathErr.Err == syscall.EIO) {
			return fmt.Errorf("reading command output: %w", err)
		}
	}

	return cmd.Wait()
}
