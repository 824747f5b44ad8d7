// Package setup implements the interactive first-run wizard that writes the
// fieldsync configuration, plus the terminal prompts shared with other
// commands.
package setup

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Prompter provides reusable terminal prompts backed by an io.Reader/Writer
// pair. In production these are os.Stdin and os.Stdout; tests can inject
// buffers for deterministic input.
type Prompter struct {
	scanner *bufio.Scanner
	w       io.Writer
}

// NewPrompter creates a Prompter wired to the given reader and writer.
func NewPrompter(r io.Reader, w io.Writer) *Prompter {
	return &Prompter{scanner: bufio.NewScanner(r), w: w}
}

// ask writes the prompt and returns the trimmed answer. ok is false once
// input is exhausted.
func (p *Prompter) ask(format string, args ...any) (answer string, ok bool) {
	_, _ = fmt.Fprintf(p.w, "  "+format+": ", args...)
	if !p.scanner.Scan() {
		return "", false
	}
	return strings.TrimSpace(p.scanner.Text()), true
}

func (p *Prompter) hint(format string, args ...any) {
	_, _ = fmt.Fprintf(p.w, "  ("+format+")\n", args...)
}

// String prompts for a text value, returning defaultVal on an empty answer.
// An empty defaultVal makes the field required.
func (p *Prompter) String(label, defaultVal string) string {
	prompt := label
	if defaultVal != "" {
		prompt = fmt.Sprintf("%s [%s]", label, defaultVal)
	}
	for {
		val, ok := p.ask("%s", prompt)
		switch {
		case !ok:
			return defaultVal
		case val != "":
			return val
		case defaultVal != "":
			return defaultVal
		}
		p.hint("required, please enter a value")
	}
}

// Secret prompts for a sensitive value such as an API token. The input is
// echoed; an empty answer is allowed when optional is set.
func (p *Prompter) Secret(label string, optional bool) string {
	for {
		val, ok := p.ask("%s", label)
		if !ok || val != "" || optional {
			return val
		}
		p.hint("required, please enter a value")
	}
}

// Int prompts for a non-negative integer, returning defaultVal on an empty
// answer.
func (p *Prompter) Int(label string, defaultVal int) int {
	for {
		val, ok := p.ask("%s [%d]", label, defaultVal)
		if !ok || val == "" {
			return defaultVal
		}
		if n, err := strconv.Atoi(val); err == nil && n >= 0 {
			return n
		}
		p.hint("enter a whole number")
	}
}

// Confirm asks a yes/no question; an empty answer or end of input yields
// defaultYes.
func (p *Prompter) Confirm(label string, defaultYes bool) bool {
	choices := "y/N"
	if defaultYes {
		choices = "Y/n"
	}
	val, ok := p.ask("%s [%s]", label, choices)
	if !ok || val == "" {
		return defaultYes
	}
	switch strings.ToLower(val) {
	case "y", "yes":
		return true
	}
	return false
}

// Select lists options and returns the zero-based index of the pick.
func (p *Prompter) Select(label string, options []string) (int, error) {
	if len(options) == 0 {
		return -1, errors.New("no options to select from")
	}

	_, _ = fmt.Fprintf(p.w, "  %s:\n", label)
	for i, opt := range options {
		_, _ = fmt.Fprintf(p.w, "    %d) %s\n", i+1, opt)
	}
	for {
		val, ok := p.ask("Choice [1-%d]", len(options))
		if !ok {
			return -1, errors.New("no input")
		}
		if n, err := strconv.Atoi(val); err == nil && n >= 1 && n <= len(options) {
			return n - 1, nil
		}
		p.hint("enter a number between 1 and %d", len(options))
	}
}
