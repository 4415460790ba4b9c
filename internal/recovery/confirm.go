package recovery

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/term"
)

// Summary describes a snapshot awaiting confirmation.
type Summary struct {
	File      string    `json:"file"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
	Shift     string    `json:"shift,omitempty"`
	Sessions  int       `json:"sessions"`
}

// Confirmer decides whether a snapshot should be recovered.
type Confirmer interface {
	Confirm(ctx context.Context, s Summary) (bool, error)
}

// AutoConfirmer answers without asking.
type AutoConfirmer struct {
	Accept bool
}

// Confirm returns the fixed answer.
func (a AutoConfirmer) Confirm(context.Context, Summary) (bool, error) {
	return a.Accept, nil
}

// TerminalConfirmer asks on a terminal. When In is not a terminal it defers
// to Fallback.
type TerminalConfirmer struct {
	In       *os.File
	Out      io.Writer
	Fallback Confirmer
}

// isTerminal is replaced in tests.
var isTerminal = term.IsTerminal

// Confirm prompts with a yes/no question. An empty answer accepts.
func (t TerminalConfirmer) Confirm(ctx context.Context, s Summary) (bool, error) {
	if t.In == nil || !isTerminal(int(t.In.Fd())) {
		if t.Fallback == nil {
			return false, nil
		}
		return t.Fallback.Confirm(ctx, s)
	}
	return ask(ctx, t.In, t.Out, s)
}

func ask(ctx context.Context, in io.Reader, out io.Writer, s Summary) (bool, error) {
	fmt.Fprintf(out, "The application restarted for a shift change at %s.\n", s.Timestamp.Local().Format("15:04:05"))
	fmt.Fprintf(out, "%d session(s) can be recovered. Recover them? [Y/n] ", s.Sessions)

	type answer struct {
		line string
		err  error
	}
	ch := make(chan answer, 1)
	go func() {
		line, err := bufio.NewReader(in).ReadString('\n')
		ch <- answer{line, err}
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(out)
		return false, ctx.Err()
	case a := <-ch:
		if a.err != nil && a.err != io.EOF {
			return false, fmt.Errorf("read answer: %w", a.err)
		}
		switch strings.ToLower(strings.TrimSpace(a.line)) {
		case "", "y", "yes":
			return true, nil
		default:
			return false, nil
		}
	}
}

// NewConfirmer maps a recovery.confirm setting to a Confirmer.
func NewConfirmer(mode string) (Confirmer, error) {
	switch mode {
	case "", "auto":
		return AutoConfirmer{Accept: true}, nil
	case "decline":
		return AutoConfirmer{Accept: false}, nil
	case "prompt":
		return TerminalConfirmer{In: os.Stdin, Out: os.Stderr, Fallback: AutoConfirmer{Accept: true}}, nil
	default:
		return nil, fmt.Errorf("unknown confirm mode %q", mode)
	}
}
