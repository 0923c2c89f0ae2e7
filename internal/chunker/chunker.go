// Package chunker splits source files into line-bounded chunks for embedding.
package chunker

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/seanblong/repoquery/pkg/models"
)

// ErrSkippedFile is matched by every SkippedFileError.
var ErrSkippedFile = errors.New("skipped file")

// SkippedFileError signals content that cannot be chunked. It is not fatal:
// the caller logs it and moves on to the next file.
type SkippedFileError struct {
	Path   string
	Reason string
}

func (e *SkippedFileError) Error() string {
	return fmt.Sprintf("skipped %s: %s", e.Path, e.Reason)
}

func (e *SkippedFileError) Is(target error) bool { return target == ErrSkippedFile }

// Options bounds chunk size. MaxChars of zero disables the character limit.
type Options struct {
	MaxLines int
	MaxChars int
	Overlap  int
}

// Chunker splits file content on blank-line boundaries, packing small blocks
// together and cutting oversized blocks into overlapping line windows.
type Chunker struct {
	opts Options
}

// New validates opts and returns a Chunker.
func New(opts Options) (*Chunker, error) {
	if opts.MaxLines < 1 {
		return nil, fmt.Errorf("max lines must be at least 1, got %d", opts.MaxLines)
	}
	if opts.MaxChars < 0 {
		return nil, fmt.Errorf("max chars must not be negative, got %d", opts.MaxChars)
	}
	if opts.Overlap < 0 || opts.Overlap >= opts.MaxLines {
		return nil, fmt.Errorf("overlap (%d) must be in [0, max lines (%d))", opts.Overlap, opts.MaxLines)
	}
	return &Chunker{opts: opts}, nil
}

// span is a half-open range of 0-based line indexes.
type span struct{ start, end int }

// Chunk splits content into chunks in ascending line order. Empty content
// yields no chunks. Binary or non-UTF-8 content yields a *SkippedFileError.
func (c *Chunker) Chunk(path, content string) ([]models.Chunk, error) {
	if content == "" {
		return nil, nil
	}
	if strings.IndexByte(content, 0) >= 0 {
		return nil, &SkippedFileError{Path: path, Reason: "binary content"}
	}
	if !utf8.ValidString(content) {
		return nil, &SkippedFileError{Path: path, Reason: "content is not valid UTF-8"}
	}

	lines := splitLines(content)
	lang := GuessLang(path)

	var out []models.Chunk
	emit := func(s span) {
		out = append(out, models.Chunk{
			Path:      path,
			Language:  lang,
			StartLine: s.start + 1,
			EndLine:   s.end,
			Content:   strings.Join(lines[s.start:s.end], "\n"),
		})
	}

	cur := span{}
	curChars := 0
	for _, b := range blocks(lines) {
		bChars := chars(lines[b.start:b.end])

		if c.oversize(b.end-b.start, bChars) {
			if cur.end > cur.start {
				emit(cur)
			}
			for _, w := range c.windows(lines, b) {
				emit(w)
			}
			cur = span{start: b.end, end: b.end}
			curChars = 0
			continue
		}

		if cur.end > cur.start && c.oversize(b.end-cur.start, curChars+bChars) {
			emit(cur)
			cur = span{start: b.start, end: b.start}
			curChars = 0
		}
		cur.end = b.end
		curChars += bChars
	}
	if cur.end > cur.start {
		emit(cur)
	}
	return out, nil
}

func (c *Chunker) oversize(lines, chars int) bool {
	if lines > c.opts.MaxLines {
		return true
	}
	return c.opts.MaxChars > 0 && chars > c.opts.MaxChars
}

// windows cuts b into windows of at most MaxLines lines and MaxChars
// characters. Each window after the first starts Overlap lines before the
// previous one ended, and always at least one line after it started.
func (c *Chunker) windows(lines []string, b span) []span {
	var out []span
	start := b.start
	for {
		end := start
		size := 0
		for end < b.end && end-start < c.opts.MaxLines {
			n := len(lines[end]) + 1
			if c.opts.MaxChars > 0 && end > start && size+n > c.opts.MaxChars {
				break
			}
			size += n
			end++
		}
		out = append(out, span{start: start, end: end})
		if end >= b.end {
			return out
		}
		next := end - c.opts.Overlap
		if next <= start {
			next = start + 1
		}
		start = next
	}
}

// blocks groups lines into runs of non-blank lines, each followed by the
// blank lines after it. Leading blank lines join the first block.
func blocks(lines []string) []span {
	var out []span
	start := 0
	for i := 1; i < len(lines); i++ {
		if isBlank(lines[i-1]) && !isBlank(lines[i]) && hasText(lines[start:i]) {
			out = append(out, span{start: start, end: i})
			start = i
		}
	}
	return append(out, span{start: start, end: len(lines)})
}

func splitLines(content string) []string {
	content = strings.TrimSuffix(content, "\n")
	lines := strings.Split(content, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return lines
}

func isBlank(s string) bool { return strings.TrimSpace(s) == "" }

func hasText(lines []string) bool {
	for _, l := range lines {
		if !isBlank(l) {
			return true
		}
	}
	return false
}

func chars(lines []string) int {
	n := 0
	for _, l := range lines {
		n += len(l) + 1
	}
	return n
}

// GuessLang maps a file extension to a language label.
func GuessLang(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".sh", ".bash":
		return "shell"
	case ".py":
		return "python"
	case ".go":
		return "go"
	case ".md", ".markdown":
		return "markdown"
	case ".tf":
		return "terraform"
	case ".js", ".jsx", ".mjs":
		return "javascript"
	case ".ts", ".tsx":
		return "typescript"
	case ".java":
		return "java"
	case ".rb":
		return "ruby"
	case ".rs":
		return "rust"
	case ".yaml", ".yml":
		return "yaml"
	case ".json":
		return "json"
	default:
		return strings.TrimPrefix(ext, ".")
	}
}
