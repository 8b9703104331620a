package display

import (
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"golang.org/x/term"
)

// Alignment represents column alignment options
type Alignment int

const (
	AlignLeft Alignment = iota
	AlignRight
)

// BorderStyle defines table border characters
type BorderStyle struct {
	Corner     string
	Horizontal string
	Vertical   string
}

// ASCIIBorderStyle is the default border
var ASCIIBorderStyle = BorderStyle{Corner: "+", Horizontal: "-", Vertical: "|"}

// TableFormatter renders rows as an aligned table, truncating cells to fit the
// terminal width
type TableFormatter struct {
	headers    []string
	rows       [][]string
	alignments map[int]Alignment
	border     BorderStyle
	padding    int
	maxWidth   int
	colors     ColorSystem
	theme      ColorTheme
}

// NewTableFormatter creates a new table formatter. maxWidth 0 uses the stdout
// terminal width; a negative maxWidth never truncates.
func NewTableFormatter(colors ColorSystem, theme ColorTheme, maxWidth int) *TableFormatter {
	if maxWidth == 0 {
		maxWidth = getTerminalWidth(os.Stdout)
	}
	return &TableFormatter{
		alignments: make(map[int]Alignment),
		border:     ASCIIBorderStyle,
		padding:    1,
		maxWidth:   maxWidth,
		colors:     colors,
		theme:      theme,
	}
}

// SetHeaders sets the table headers
func (tf *TableFormatter) SetHeaders(headers ...string) {
	tf.headers = headers
}

// AddRow adds a row to the table
func (tf *TableFormatter) AddRow(row ...string) {
	tf.rows = append(tf.rows, row)
}

// SetColumnAlignment sets the alignment for a specific column
func (tf *TableFormatter) SetColumnAlignment(column int, alignment Alignment) {
	tf.alignments[column] = alignment
}

// Render returns the formatted table as a string
func (tf *TableFormatter) Render() string {
	if len(tf.headers) == 0 && len(tf.rows) == 0 {
		return ""
	}

	widths := tf.fitWidths(tf.columnWidths())

	var result strings.Builder
	separator := tf.separator(widths)

	result.WriteString(separator)
	if len(tf.headers) > 0 {
		result.WriteString(tf.renderRow(tf.headers, widths, true))
		result.WriteString(separator)
	}
	for _, row := range tf.rows {
		result.WriteString(tf.renderRow(row, widths, false))
	}
	result.WriteString(separator)

	return result.String()
}

// RenderTo renders the table to the specified writer
func (tf *TableFormatter) RenderTo(writer io.Writer) {
	fmt.Fprint(writer, tf.Render())
}

func (tf *TableFormatter) columnCount() int {
	count := len(tf.headers)
	for _, row := range tf.rows {
		if len(row) > count {
			count = len(row)
		}
	}
	return count
}

// columnWidths returns the content width of each column
func (tf *TableFormatter) columnWidths() []int {
	widths := make([]int, tf.columnCount())
	for i, header := range tf.headers {
		widths[i] = utf8.RuneCountInString(header)
	}
	for _, row := range tf.rows {
		for i, cell := range row {
			if w := utf8.RuneCountInString(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}
	return widths
}

// fitWidths shrinks the widest column until the table fits maxWidth
func (tf *TableFormatter) fitWidths(widths []int) []int {
	if tf.maxWidth <= 0 || len(widths) == 0 {
		return widths
	}

	const minWidth = 4
	for tf.totalWidth(widths) > tf.maxWidth {
		widest := 0
		for i, w := range widths {
			if w > widths[widest] {
				widest = i
			}
		}
		if widths[widest] <= minWidth {
			break
		}
		widths[widest]--
	}
	return widths
}

func (tf *TableFormatter) totalWidth(widths []int) int {
	total := len(widths) + 1
	for _, w := range widths {
		total += w + tf.padding*2
	}
	return total
}

func (tf *TableFormatter) separator(widths []int) string {
	var b strings.Builder
	b.WriteString(tf.border.Corner)
	for _, w := range widths {
		b.WriteString(strings.Repeat(tf.border.Horizontal, w+tf.padding*2))
		b.WriteString(tf.border.Corner)
	}
	b.WriteString("\n")
	return b.String()
}

func (tf *TableFormatter) renderRow(row []string, widths []int, isHeader bool) string {
	var b strings.Builder
	b.WriteString(tf.border.Vertical)
	for i, width := range widths {
		var cell string
		if i < len(row) {
			cell = row[i]
		}
		b.WriteString(tf.formatCell(cell, width, tf.alignments[i], isHeader))
		b.WriteString(tf.border.Vertical)
	}
	b.WriteString("\n")
	return b.String()
}

// formatCell pads and truncates content to width. Color is applied after
// measuring so escape codes do not count toward the width.
func (tf *TableFormatter) formatCell(content string, width int, alignment Alignment, isHeader bool) string {
	if utf8.RuneCountInString(content) > width {
		runes := []rune(content)
		if width > 3 {
			content = string(runes[:width-3]) + "..."
		} else {
			content = string(runes[:width])
		}
	}

	fill := strings.Repeat(" ", width-utf8.RuneCountInString(content))
	if isHeader && tf.colors != nil {
		content = tf.colors.Colorize(content, tf.theme.Primary)
	}

	pad := strings.Repeat(" ", tf.padding)
	if alignment == AlignRight {
		return pad + fill + content + pad
	}
	return pad + content + fill + pad
}

// getTerminalWidth returns the width of w, 0 when it is not a terminal
func getTerminalWidth(w io.Writer) int {
	f, ok := w.(*os.File)
	if !ok {
		return 0
	}
	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil {
		return 0
	}
	return width
}
