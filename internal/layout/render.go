package layout

import (
	"fmt"
	"strings"
)

// cell is one node of the layout tree: a leaf holding a pane, or a
// split holding children side by side or stacked. Trees are built per
// render, serialized, and discarded.
type cell struct {
	w, h, x, y int
	id         int // pane id for leaves, -1 otherwise
	stacked    bool
	children   []*cell
}

func leaf(w, h, x, y, id int) *cell {
	return &cell{w: w, h: h, x: x, y: y, id: id}
}

// Render builds the full window layout for one main pane plus the
// distributed agent panes and serializes it with the tmux checksum
// prefix. agentIDs must match dist.Assignment one to one; ids are the
// numeric part of tmux pane ids. The returned string is accepted by
// tmux select-layout verbatim.
func Render(width, height, mainPct int, dist Distribution, mainID int, agentIDs []int) (string, error) {
	if width <= 0 || height <= 0 {
		return "", fmt.Errorf("%w: window %dx%d", ErrInvalidInput, width, height)
	}
	if mainPct < 1 || mainPct > 100 {
		return "", fmt.Errorf("%w: main pane share %d%%", ErrInvalidInput, mainPct)
	}
	if len(agentIDs) != len(dist.Assignment) {
		return "", fmt.Errorf("%w: %d pane ids for %d agents", ErrInvalidInput, len(agentIDs), len(dist.Assignment))
	}

	root, err := buildTree(width, height, mainPct, dist, mainID, agentIDs)
	if err != nil {
		return "", err
	}
	body := serialize(root)
	return fmt.Sprintf("%04x,%s", Checksum(body), body), nil
}

func buildTree(width, height, mainPct int, dist Distribution, mainID int, agentIDs []int) (*cell, error) {
	if dist.NumColumns == 0 {
		return leaf(width, height, 0, 0, mainID), nil
	}

	mainW := width * mainPct / 100
	if mainW < 1 {
		mainW = 1
	}
	// One cell between the main pane and the satellite region, one
	// between adjacent columns, one between stacked rows: tmux draws
	// its separator lines there.
	satW := width - mainW - 1
	usable := satW - (dist.NumColumns - 1)
	if usable < dist.NumColumns {
		return nil, fmt.Errorf("%w: %d columns need %d cells, satellite region has %d",
			ErrTooSmall, dist.NumColumns, 2*dist.NumColumns-1, satW)
	}

	columns := make([][]int, dist.NumColumns)
	for i, col := range dist.Assignment {
		columns[col] = append(columns[col], agentIDs[i])
	}

	colW := usable / dist.NumColumns
	extra := usable % dist.NumColumns
	x := mainW + 1
	subtrees := make([]*cell, 0, dist.NumColumns)
	for j, ids := range columns {
		w := colW
		if j < extra {
			w++
		}
		sub, err := buildColumn(w, height, x, ids)
		if err != nil {
			return nil, err
		}
		subtrees = append(subtrees, sub)
		x += w + 1
	}

	region := subtrees[0]
	if len(subtrees) > 1 {
		region = &cell{w: satW, h: height, x: mainW + 1, y: 0, id: -1, children: subtrees}
	}
	return &cell{
		w:        width,
		h:        height,
		x:        0,
		y:        0,
		id:       -1,
		children: []*cell{leaf(mainW, height, 0, 0, mainID), region},
	}, nil
}

// buildColumn stacks the column's panes top to bottom, dividing the
// height as evenly as possible with the remainder going to earlier
// rows.
func buildColumn(w, h, x int, ids []int) (*cell, error) {
	if len(ids) == 1 {
		return leaf(w, h, x, 0, ids[0]), nil
	}
	usable := h - (len(ids) - 1)
	if usable < len(ids) {
		return nil, fmt.Errorf("%w: %d rows need %d cells, column has %d",
			ErrTooSmall, len(ids), 2*len(ids)-1, h)
	}
	rowH := usable / len(ids)
	extra := usable % len(ids)
	col := &cell{w: w, h: h, x: x, y: 0, id: -1, stacked: true}
	y := 0
	for i, id := range ids {
		rh := rowH
		if i < extra {
			rh++
		}
		col.children = append(col.children, leaf(w, rh, x, y, id))
		y += rh + 1
	}
	return col, nil
}

func serialize(root *cell) string {
	var b strings.Builder
	writeCell(&b, root)
	return b.String()
}

func writeCell(b *strings.Builder, c *cell) {
	fmt.Fprintf(b, "%dx%d,%d,%d", c.w, c.h, c.x, c.y)
	if len(c.children) == 0 {
		if c.id >= 0 {
			fmt.Fprintf(b, ",%d", c.id)
		}
		return
	}
	lb, rb := byte('{'), byte('}')
	if c.stacked {
		lb, rb = '[', ']'
	}
	b.WriteByte(lb)
	for i, child := range c.children {
		if i > 0 {
			b.WriteByte(',')
		}
		writeCell(b, child)
	}
	b.WriteByte(rb)
}

// Checksum folds the layout body into tmux's 16-bit rolling checksum:
// for each byte, csum = (csum>>1 | (csum&1)<<15) + byte. The format is
// fixed by tmux's layout-custom grammar and must match bit for bit.
func Checksum(body string) uint16 {
	var csum uint16
	for i := 0; i < len(body); i++ {
		csum = (csum>>1 | (csum&1)<<15) + uint16(body[i])
	}
	return csum
}
