// Package confirm asks an operator to acknowledge a destructive operation by
// typing back the names of the disks it will overwrite.
package confirm

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/term"
)

var (
	// ErrAborted means input ended or the context was cancelled before an
	// answer arrived.
	ErrAborted = errors.New("confirmation aborted")
	// ErrDeclined means the operator typed something other than the disk names.
	ErrDeclined = errors.New("confirmation declined")
	// ErrNonInteractive means there is no terminal to ask and --yes was not given.
	ErrNonInteractive = errors.New("refusing to overwrite disks without an interactive confirmation, pass --yes")
)

type Prompter struct {
	In  io.Reader
	Out io.Writer
	// Interactive reports whether In is a terminal.
	Interactive func() bool
}

// Stdio prompts on the process terminal.
func Stdio() *Prompter {
	return &Prompter{
		In:  os.Stdin,
		Out: os.Stderr,
		Interactive: func() bool {
			return term.IsTerminal(int(os.Stdin.Fd()))
		},
	}
}

// Expected is the answer that confirms an overwrite of disks.
func Expected(disks []string) string {
	names := make([]string, len(disks))
	for i, d := range disks {
		names[i] = filepath.Base(d)
	}
	return strings.Join(names, " ")
}

// Disks shows plan and waits for the operator to type the disk names.
func (p *Prompter) Disks(ctx context.Context, plan []string, disks []string) error {
	if p.Interactive != nil && !p.Interactive() {
		return ErrNonInteractive
	}

	want := Expected(disks)
	for _, line := range plan {
		fmt.Fprintln(p.Out, line)
	}
	fmt.Fprintf(p.Out, "\nALL DATA on %s will be destroyed.\n", strings.Join(disks, ", "))
	fmt.Fprintf(p.Out, "Type %q to continue: ", want)

	line, err := readLine(ctx, bufio.NewReader(p.In))
	if err != nil {
		fmt.Fprintln(p.Out)
		return err
	}
	if strings.Join(strings.Fields(line), " ") != want {
		return fmt.Errorf("%w: expected %q", ErrDeclined, want)
	}
	return nil
}

func readLine(ctx context.Context, reader *bufio.Reader) (string, error) {
	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := reader.ReadString('\n')
		if errors.Is(err, io.EOF) && line != "" {
			err = nil
		}
		ch <- result{line: line, err: err}
	}()

	select {
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %w", ErrAborted, context.Cause(ctx))
	case res := <-ch:
		if res.err != nil {
			if errors.Is(res.err, io.EOF) || errors.Is(res.err, os.ErrClosed) {
				return "", ErrAborted
			}
			return "", res.err
		}
		return res.line, nil
	}
}
