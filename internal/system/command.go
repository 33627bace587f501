package system

import (
	"fmt"
	"io"
	"strings"
)

// Command describes one external program invocation.
type Command struct {
	// Name is the program, resolved through PATH.
	Name string
	// Args are passed verbatim.
	Args []string
	// Privileged commands run through sudo when not root.
	Privileged bool
	// Dir is the working directory; empty means the current one.
	Dir string
	// Stdin is fed to the program when set.
	Stdin io.Reader
}

// String renders the command without the sudo prefix.
func (c Command) String() string {
	parts := make([]string, 0, len(c.Args)+1)
	parts = append(parts, quote(c.Name))

	for _, a := range c.Args {
		parts = append(parts, quote(a))
	}

	return strings.Join(parts, " ")
}

// Display renders the command the way an operator would type it.
func (c Command) Display() string {
	s := c.String()
	if c.Privileged {
		s = "sudo " + s
	}

	if c.Dir != "" {
		s = fmt.Sprintf("(cd %s && %s)", quote(c.Dir), s)
	}

	return s
}

// argv returns the program and arguments to execute.
func (c Command) argv(root bool) (string, []string) {
	if c.Privileged && !root {
		return "sudo", append([]string{c.Name}, c.Args...)
	}

	return c.Name, c.Args
}

func quote(s string) string {
	if s == "" || strings.ContainsAny(s, " \t\"'") {
		return fmt.Sprintf("%q", s)
	}

	return s
}
