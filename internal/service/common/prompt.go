//nolint:revive,nolintlint // Package name "common" is intentional for shared helpers.
package common

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ConfirmFunc asks the operator a yes/no question.
type ConfirmFunc func(ctx context.Context, question string) (bool, error)

// Prompt returns a ConfirmFunc reading answers from in and writing questions to out.
// Only "y" or "Y" counts as yes; end of input counts as no.
func Prompt(in io.Reader, out io.Writer) ConfirmFunc {
	reader := bufio.NewReader(in)

	return func(ctx context.Context, question string) (bool, error) {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		if _, err := fmt.Fprint(out, question); err != nil {
			return false, err
		}

		line, err := reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return false, fmt.Errorf("read answer: %w", err)
		}

		answer := strings.TrimSpace(line)

		return answer == "y" || answer == "Y", nil
	}
}

// AlwaysYes is the ConfirmFunc used for non-interactive runs.
func AlwaysYes(context.Context, string) (bool, error) {
	return true, nil
}
