package tui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

const columnGap = 2

// RenderSimple renders rows under headers as left-aligned columns. Widths
// are measured in terminal cells, so status markers and styled cells line
// up. Rows shorter than headers are padded; extra cells are dropped. The
// last column is not padded so lines carry no trailing blanks.
func RenderSimple(headers []string, rows [][]string, styles *Styles) string {
	if styles == nil {
		styles = DefaultStyles()
	}

	widths := make([]int, len(headers))
	measure := func(cells []string) {
		for i := 0; i < len(cells) && i < len(widths); i++ {
			widths[i] = max(widths[i], lipgloss.Width(cells[i]))
		}
	}
	measure(headers)
	for _, row := range rows {
		measure(row)
	}

	var b strings.Builder
	line := func(cells []string, style lipgloss.Style) {
		for i := range widths {
			var cell string
			if i < len(cells) {
				cell = cells[i]
			}
			if i == len(widths)-1 {
				b.WriteString(style.Render(cell))
				break
			}
			b.WriteString(style.Render(cell))
			b.WriteString(strings.Repeat(" ", widths[i]-lipgloss.Width(cell)+columnGap))
		}
		b.WriteString("\n")
	}

	line(headers, styles.TableHeader)
	for _, row := range rows {
		line(row, styles.TableRow)
	}
	return b.String()
}
