package util

import (
	"fmt"
	"io"
	"strings"
)

// TableColumn represents a column in a table
type TableColumn struct {
	Header string
	Key    string // key to extract from data map
	Right  bool   // right-align, for sizes and durations
	width  int
}

// RenderTable writes rows to w with each column as wide as its widest cell.
func RenderTable(w io.Writer, columns []TableColumn, data []map[string]interface{}) {
	if len(data) == 0 {
		fmt.Fprintln(w, "No recordings found")
		return
	}

	cells := make([][]string, len(data))
	for i := range columns {
		columns[i].width = displayWidth(columns[i].Header)
	}
	for r, row := range data {
		cells[r] = make([]string, len(columns))
		for i, col := range columns {
			if v, ok := row[col.Key]; ok && v != nil {
				cells[r][i] = fmt.Sprintf("%v", v)
			}
			if n := displayWidth(cells[r][i]); n > columns[i].width {
				columns[i].width = n
			}
		}
	}

	headers := make([]string, len(columns))
	rules := make([]string, len(columns))
	for i, col := range columns {
		headers[i] = pad(col.Header, col.width, col.Right)
		rules[i] = strings.Repeat("-", col.width)
	}
	fmt.Fprintln(w, strings.TrimRight(strings.Join(headers, "  "), " "))
	fmt.Fprintln(w, strings.Join(rules, "  "))

	for _, row := range cells {
		parts := make([]string, len(columns))
		for i, col := range columns {
			parts[i] = pad(row[i], col.width, col.Right)
		}
		fmt.Fprintln(w, strings.TrimRight(strings.Join(parts, "  "), " "))
	}
}

// stripANSI removes color escape sequences before measuring
func stripANSI(s string) string {
	for {
		start := strings.Index(s, "\033[")
		if start == -1 {
			return s
		}
		end := strings.Index(s[start:], "m")
		if end == -1 {
			return s
		}
		s = s[:start] + s[start+end+1:]
	}
}

func displayWidth(s string) int {
	return len([]rune(stripANSI(s)))
}

func pad(s string, width int, right bool) string {
	n := width - displayWidth(s)
	if n <= 0 {
		return s
	}
	if right {
		return strings.Repeat(" ", n) + s
	}
	return s + strings.Repeat(" ", n)
}
