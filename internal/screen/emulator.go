// Package screen replays raw terminal output through a virtual terminal and
// returns the text a user would have seen, with escape sequences, cursor
// movement and clears applied.
package screen

import (
	"bytes"
	"strings"

	"github.com/hinshun/vt10x"
)

// MaxRenderRows bounds the height of the virtual terminal used by Render.
const MaxRenderRows = 10000

// Emulator wraps vt10x to interpret PTY output.
type Emulator struct {
	terminal vt10x.Terminal
	cols     int
	rows     int
}

// NewEmulator creates an emulator of the given size.
func NewEmulator(cols, rows int) *Emulator {
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}
	return &Emulator{
		terminal: vt10x.New(vt10x.WithSize(cols, rows)),
		cols:     cols,
		rows:     rows,
	}
}

// Write feeds PTY output to the emulator.
func (e *Emulator) Write(data []byte) {
	_, _ = e.terminal.Write(data)
}

// Resize updates the terminal dimensions
func (e *Emulator) Resize(cols, rows int) {
	e.cols = cols
	e.rows = rows
	e.terminal.Resize(cols, rows)
}

// CursorPosition returns the current cursor position
func (e *Emulator) CursorPosition() (row, col int) {
	cursor := e.terminal.Cursor()
	return cursor.Y, cursor.X
}

// Text returns the screen contents with trailing blanks removed from every
// line and trailing empty lines dropped.
func (e *Emulator) Text() string {
	lines := make([]string, 0, e.rows)
	var line strings.Builder
	for row := 0; row < e.rows; row++ {
		line.Reset()
		for col := 0; col < e.cols; col++ {
			ch := e.terminal.Cell(col, row).Char
			if ch == 0 {
				ch = ' '
			}
			line.WriteRune(ch)
		}
		lines = append(lines, strings.TrimRight(line.String(), " "))
	}

	last := len(lines) - 1
	for last >= 0 && lines[last] == "" {
		last--
	}
	return strings.Join(lines[:last+1], "\n")
}

// Render replays data on a terminal cols wide and tall enough to keep every
// line of output, and returns the resulting text.
func Render(data []byte, cols, rows int) string {
	if len(data) == 0 {
		return ""
	}
	height := bytes.Count(data, []byte{'\n'}) + 1
	if height < rows {
		height = rows
	}
	if height > MaxRenderRows {
		height = MaxRenderRows
	}
	e := NewEmulator(cols, height)
	e.Write(data)
	return e.Text()
}
