package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/martinemde/codeloop/pipeline"
)

// terminalConfirmer asks on out and reads a y/n answer from in. Anything but
// an explicit yes rejects.
func terminalConfirmer(in io.Reader, out io.Writer) pipeline.Confirmer {
	reader := bufio.NewReader(in)
	var mu sync.Mutex
	return func(ctx context.Context, req pipeline.ConfirmRequest) (bool, error) {
		mu.Lock()
		defer mu.Unlock()

		fmt.Fprintf(out, "\n%s wants to run %s\n  %s\nAllow? [y/N] ", req.Tool, req.Signature, req.Reason)

		type answer struct {
			line string
			err  error
		}
		ch := make(chan answer, 1)
		go func() {
			line, err := reader.ReadString('\n')
			ch <- answer{line, err}
		}()

		select {
		case <-ctx.Done():
			fmt.Fprintln(out)
			return false, ctx.Err()
		case a := <-ch:
			if a.err != nil && a.line == "" {
				return false, fmt.Errorf("read confirmation: %w", a.err)
			}
			return isYes(a.line), nil
		}
	}
}

func isYes(line string) bool {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

var errNoTerminal = errors.New("the prompt was read from stdin and no terminal is available for confirmations; pass --yes or give the prompt as arguments")

func openTTY() (io.ReadCloser, error) { return os.Open("/dev/tty") }

// promptConfirmer builds the confirmer for a run. When the prompt was read
// from stdin, stdin is at EOF, so answers are read from the controlling
// terminal. Without one every confirmation fails with errNoTerminal.
func promptConfirmer(promptFromStdin bool, stdin io.Reader, out io.Writer, tty func() (io.ReadCloser, error)) (pipeline.Confirmer, func()) {
	if !promptFromStdin {
		return terminalConfirmer(stdin, out), func() {}
	}
	in, err := tty()
	if err != nil {
		return func(context.Context, pipeline.ConfirmRequest) (bool, error) {
			fmt.Fprintf(out, "cannot confirm tool call: %v\n", errNoTerminal)
			return false, errNoTerminal
		}, func() {}
	}
	return terminalConfirmer(in, out), func() { in.Close() }
}
