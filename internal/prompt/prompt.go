// Package prompt asks the operator for the run's target reference system.
package prompt

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/stereoforge/pairbatch/crs"
)

// DefaultAttempts is how many answers are read before giving up.
const DefaultAttempts = 3

// ErrNoSelection is returned when every attempt was invalid or input ended.
var ErrNoSelection = errors.New("no reference system selected")

// Selector offers Choices by number; any code crs.Parse accepts is also taken.
type Selector struct {
	In       io.Reader
	Out      io.Writer
	Choices  []crs.System
	Attempts int
}

// SelectCRS runs the selection once.
func (s Selector) SelectCRS() (crs.System, error) {
	choices := s.Choices
	if len(choices) == 0 {
		choices = crs.Common()
	}
	attempts := s.Attempts
	if attempts <= 0 {
		attempts = DefaultAttempts
	}

	fmt.Fprintln(s.Out, "Select the target coordinate reference system:")
	for i, system := range choices {
		fmt.Fprintf(s.Out, "  %d) %s  %s\n", i+1, system, system.Describe())
	}

	reader := bufio.NewReader(s.In)
	for attempt := 1; attempt <= attempts; attempt++ {
		fmt.Fprintf(s.Out, "Enter a number or EPSG code [1-%d]: ", len(choices))
		line, err := reader.ReadString('\n')
		answer := strings.TrimSpace(line)
		if answer != "" {
			if system, ok := choose(answer, choices); ok {
				fmt.Fprintf(s.Out, "Using %s\n", system.Describe())
				return system, nil
			}
			fmt.Fprintf(s.Out, "%q is not a listed number or a supported reference system.\n", answer)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "", fmt.Errorf("%w: input closed", ErrNoSelection)
			}
			return "", fmt.Errorf("read selection: %w", err)
		}
	}
	return "", fmt.Errorf("%w after %d attempts", ErrNoSelection, attempts)
}

func choose(answer string, choices []crs.System) (crs.System, bool) {
	if n, err := strconv.Atoi(answer); err == nil && n >= 1 && n <= len(choices) {
		return choices[n-1], true
	}
	system, err := crs.Parse(answer)
	if err != nil {
		return "", false
	}
	return system, true
}
