// Package prompt reads passphrases from the controlling terminal with echo
// disabled.
package prompt

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"

	apperrors "sealed-backup/internal/errors"
)

// Prompter asks the user for a passphrase
type Prompter interface {
	// Passphrase reads a passphrase; with confirm set it is asked for twice
	Passphrase(confirm bool) ([]byte, error)
}

var (
	ErrNotTerminal = errors.New("stdin is not a terminal")
	ErrEmpty       = errors.New("empty passphrase")
	ErrMismatch    = errors.New("passphrases do not match")
)

// TerminalPrompter reads hidden input from a terminal file descriptor
type TerminalPrompter struct {
	fd  int
	out io.Writer

	isTerminal func(fd int) bool
	readSecret func(fd int) ([]byte, error)
	getState   func(fd int) (*term.State, error)
	restore    func(fd int, state *term.State) error
	subscribe  func() (<-chan os.Signal, func())
}

// NewTerminalPrompter prompts on in, writing the prompt text to out (normally stderr)
func NewTerminalPrompter(in *os.File, out io.Writer) *TerminalPrompter {
	return &TerminalPrompter{
		fd:         int(in.Fd()),
		out:        out,
		isTerminal: term.IsTerminal,
		readSecret: term.ReadPassword,
		getState:   term.GetState,
		restore:    term.Restore,
		subscribe: func() (<-chan os.Signal, func()) {
			ch := make(chan os.Signal, 1)
			signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
			return ch, func() { signal.Stop(ch) }
		},
	}
}

// Passphrase implements Prompter
func (p *TerminalPrompter) Passphrase(confirm bool) ([]byte, error) {
	if !p.isTerminal(p.fd) {
		return nil, apperrors.NewAppError(apperrors.ErrorTypeUsage, "passphrase prompt requires an interactive terminal", ErrNotTerminal).
			WithUserMessage("-p needs an interactive terminal to read the passphrase; it is never read from a pipe, file or environment variable.")
	}

	first, err := p.ask("Enter passphrase: ")
	if err != nil {
		return nil, err
	}
	if len(first) == 0 {
		return nil, apperrors.NewValidationError("passphrase must not be empty", ErrEmpty)
	}
	if !confirm {
		return first, nil
	}

	second, err := p.ask("Confirm passphrase: ")
	if err != nil {
		wipe(first)
		return nil, err
	}
	defer wipe(second)

	if len(first) != len(second) || subtle.ConstantTimeCompare(first, second) != 1 {
		wipe(first)
		return nil, apperrors.NewValidationError("passphrases do not match", ErrMismatch)
	}
	return first, nil
}

type readResult struct {
	secret []byte
	err    error
}

// ask reads one hidden line. An interrupt while waiting restores the terminal
// and surfaces as an interruption error.
func (p *TerminalPrompter) ask(label string) ([]byte, error) {
	fmt.Fprint(p.out, label)

	state, stateErr := p.getState(p.fd)

	sigCh, stop := p.subscribe()
	defer stop()

	resultCh := make(chan readResult, 1)
	go func() {
		secret, err := p.readSecret(p.fd)
		resultCh <- readResult{secret: secret, err: err}
	}()

	select {
	case sig := <-sigCh:
		if stateErr == nil {
			_ = p.restore(p.fd, state)
		}
		fmt.Fprintln(p.out)
		return nil, apperrors.NewInterruptionError(sig)
	case res := <-resultCh:
		fmt.Fprintln(p.out)
		if res.err != nil {
			return nil, apperrors.NewValidationError("failed to read passphrase", res.err)
		}
		return res.secret, nil
	}
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
