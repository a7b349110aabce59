// Package layout computes balanced column arrangements for agent panes
// and renders them in tmux's custom layout format. Everything here is
// pure: no clock, no I/O, no tmux.
package layout

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput reports arguments outside the defined domain,
	// such as a non-positive per-column limit.
	ErrInvalidInput = errors.New("layout: invalid input")
	// ErrTooSmall reports a window area that cannot give every pane at
	// least one terminal cell after separators.
	ErrTooSmall = errors.New("layout: window too small")
)

// Distribution assigns agents to columns. Assignment[i] is the column
// index of the i-th agent; columns stay within one agent of each other
// regardless of count.
type Distribution struct {
	NumColumns int
	Assignment []int
}

// Distribute round-robins agentCount agents across
// ceil(agentCount/maxPerColumn) columns: column(i) = i mod numColumns.
// agentCount <= 0 yields a zero-column distribution; maxPerColumn <= 0
// is invalid input.
func Distribute(agentCount, maxPerColumn int) (Distribution, error) {
	if maxPerColumn <= 0 {
		return Distribution{}, fmt.Errorf("%w: maxPerColumn %d", ErrInvalidInput, maxPerColumn)
	}
	if agentCount <= 0 {
		return Distribution{}, nil
	}
	numColumns := (agentCount + maxPerColumn - 1) / maxPerColumn
	assignment := make([]int, agentCount)
	for i := range assignment {
		assignment[i] = i % numColumns
	}
	return Distribution{NumColumns: numColumns, Assignment: assignment}, nil
}

// Sizes derives the per-column agent counts from the assignment.
func (d Distribution) Sizes() []int {
	if d.NumColumns <= 0 {
		return nil
	}
	sizes := make([]int, d.NumColumns)
	for _, col := range d.Assignment {
		sizes[col]++
	}
	return sizes
}

// MainPaneShare returns the percentage of window width the main pane
// keeps for a given satellite column count. The share shrinks as
// columns grow so satellites stay readable.
func MainPaneShare(numColumns int) int {
	switch {
	case numColumns <= 0:
		return 100
	case numColumns == 1:
		return 60
	case numColumns == 2:
		return 45
	default:
		return 30
	}
}
