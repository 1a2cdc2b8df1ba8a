package util

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRenderTable(t *testing.T) {
	var buf bytes.Buffer
	RenderTable(&buf, []TableColumn{
		{Header: "NAME", Key: "name"},
		{Header: "SIZE", Key: "size", Right: true},
	}, []map[string]interface{}{
		{"name": "ScreenRec_010124000000.mp4", "size": "1.2 MB"},
		{"name": "\033[32mshort.mkv\033[0m", "size": "900 B"},
	})

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	assert.Len(t, lines, 4)
	assert.Equal(t, "NAME                          SIZE", lines[0])
	assert.Equal(t, strings.Repeat("-", 26)+"  "+strings.Repeat("-", 6), lines[1])
	assert.Equal(t, "ScreenRec_010124000000.mp4  1.2 MB", lines[2])
	assert.Equal(t, "\033[32mshort.mkv\033[0m                    900 B", lines[3])
}

func TestRenderTableEmpty(t *testing.T) {
	var buf bytes.Buffer
	RenderTable(&buf, []TableColumn{{Header: "NAME", Key: "name"}}, nil)
	assert.Equal(t, "No recordings found\n", buf.String())
}
