package structurer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/docfoundry/docfoundry/pkg/extract"
)

// Deterministic structures CSV and Markdown files without a model backend.
// It is the default provider and the reference implementation for tests.
type Deterministic struct{}

// NewDeterministic creates the deterministic structurer
func NewDeterministic() *Deterministic {
	return &Deterministic{}
}

func (d *Deterministic) Name() string {
	return "deterministic"
}

func (d *Deterministic) Structure(ctx context.Context, path, mime string) Result {
	ext := strings.ToLower(filepath.Ext(path))

	switch ext {
	case ".csv", ".md", ".markdown":
	default:
		return Unsupported(fmt.Sprintf("extension %q has no deterministic structurer", ext))
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return Failed(fmt.Sprintf("read file: %v", err))
	}
	text := extract.NormalizeNewlines(string(raw))

	if ext == ".csv" {
		return Structured(structureCSV(text))
	}
	return Structured(structureMarkdown(text))
}

// structureCSV emits one chunk per non-empty row, with commas replaced
// by " | " so the row reads as a single line of text.
func structureCSV(text string) []Chunk {
	var chunks []Chunk
	for row, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		chunks = append(chunks, Chunk{
			Index: len(chunks),
			Text:  strings.ReplaceAll(line, ",", " | "),
			Metadata: map[string]any{
				"source": "csv-row",
				"row":    row + 1,
			},
		})
	}
	return chunks
}

// structureMarkdown emits one chunk per heading-delimited block. A block
// starts at the beginning of the text or at a newline followed by '#'.
func structureMarkdown(text string) []Chunk {
	var chunks []Chunk
	for block, part := range splitMarkdownBlocks(text) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		chunks = append(chunks, Chunk{
			Index: len(chunks),
			Text:  part,
			Metadata: map[string]any{
				"source": "markdown-block",
				"block":  block + 1,
			},
		})
	}
	return chunks
}

func splitMarkdownBlocks(text string) []string {
	var blocks []string
	start := 0
	for i := 0; i+1 < len(text); i++ {
		if text[i] == '\n' && text[i+1] == '#' {
			blocks = append(blocks, text[start:i])
			start = i + 1
		}
	}
	return append(blocks, text[start:])
}
