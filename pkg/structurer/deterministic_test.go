package structurer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDeterministic_CSV(t *testing.T) {
	d := NewDeterministic()
	path := writeTempFile(t, "people.csv", "name,age\r\nalice,30\n\nbob,41\n")

	result := d.Structure(context.Background(), path, "text/csv")
	require.Equal(t, StatusStructured, result.Status)
	require.Len(t, result.Chunks, 3)

	assert.Equal(t, "name | age", result.Chunks[0].Text)
	assert.Equal(t, "alice | 30", result.Chunks[1].Text)
	assert.Equal(t, "bob | 41", result.Chunks[2].Text)

	assert.Equal(t, 0, result.Chunks[0].Index)
	assert.Equal(t, 1, result.Chunks[1].Index)
	assert.Equal(t, 2, result.Chunks[2].Index)

	assert.Equal(t, "csv-row", result.Chunks[0].Metadata["source"])
	assert.Equal(t, 1, result.Chunks[0].Metadata["row"])
	// Blank line between rows keeps the original row numbering
	assert.Equal(t, 4, result.Chunks[2].Metadata["row"])
}

func TestDeterministic_Markdown(t *testing.T) {
	d := NewDeterministic()
	content := "# Title\nintro text\n## Section\nbody\n\n# Other\nmore"
	path := writeTempFile(t, "doc.md", content)

	result := d.Structure(context.Background(), path, "text/markdown")
	require.Equal(t, StatusStructured, result.Status)
	require.Len(t, result.Chunks, 3)

	assert.Equal(t, "# Title\nintro text", result.Chunks[0].Text)
	assert.Equal(t, "## Section\nbody", result.Chunks[1].Text)
	assert.Equal(t, "# Other\nmore", result.Chunks[2].Text)

	assert.Equal(t, "markdown-block", result.Chunks[0].Metadata["source"])
	assert.Equal(t, 1, result.Chunks[0].Metadata["block"])
	assert.Equal(t, 3, result.Chunks[2].Metadata["block"])
}

func TestDeterministic_MarkdownLongExtension(t *testing.T) {
	d := NewDeterministic()
	path := writeTempFile(t, "doc.markdown", "# Only\nblock")

	result := d.Structure(context.Background(), path, "text/markdown")
	require.Equal(t, StatusStructured, result.Status)
	require.Len(t, result.Chunks, 1)
	assert.Equal(t, "# Only\nblock", result.Chunks[0].Text)
}

func TestDeterministic_HashInsideLineIsNotABoundary(t *testing.T) {
	d := NewDeterministic()
	path := writeTempFile(t, "doc.md", "# Title\nuses #hashtags inline\n# Next\nok")

	result := d.Structure(context.Background(), path, "text/markdown")
	require.Equal(t, StatusStructured, result.Status)
	require.Len(t, result.Chunks, 2)
	assert.Contains(t, result.Chunks[0].Text, "#hashtags")
}

func TestDeterministic_Unsupported(t *testing.T) {
	d := NewDeterministic()
	path := writeTempFile(t, "doc.txt", "plain text")

	result := d.Structure(context.Background(), path, "text/plain")
	assert.Equal(t, StatusUnsupported, result.Status)
	assert.Contains(t, result.Error, ".txt")
	assert.Empty(t, result.Chunks)
}

func TestDeterministic_MissingFile(t *testing.T) {
	d := NewDeterministic()

	result := d.Structure(context.Background(), "/nonexistent/file.csv", "text/csv")
	assert.Equal(t, StatusFailed, result.Status)
	assert.Contains(t, result.Error, "read file")
}

func TestDeterministic_EmptyFile(t *testing.T) {
	d := NewDeterministic()
	path := writeTempFile(t, "empty.csv", "")

	result := d.Structure(context.Background(), path, "text/csv")
	require.Equal(t, StatusStructured, result.Status)
	assert.Empty(t, result.Chunks)
}
