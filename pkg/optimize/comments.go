package optimize

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/kcaldas/tokenopt/pkg/request"
)

// commentStrategy removes comments from context items using the syntax of the
// item's language, leaving string literals alone.
type commentStrategy struct{}

func (s *commentStrategy) Name() StrategyType { return RemoveComments }

func (s *commentStrategy) Apply(_ context.Context, req request.Request) (request.Request, []Diagnostic, error) {
	out := req.Clone()
	for i, item := range out.Items {
		syn, ok := syntaxFor(item)
		if !ok {
			continue
		}
		out.Items[i].Content = stripComments(item.Content, syn)
	}
	return out, nil, nil
}

// syntax describes the comment and string conventions of a language family.
type syntax struct {
	lineMarkers []string
	// spaced only opens a comment at the start of a line or after whitespace,
	// so "$#", "${#a[@]}" and "http://x/#y" survive.
	spaced       bool
	block        bool
	backtick     bool
	tripleQuotes bool
}

var (
	cLike       = syntax{lineMarkers: []string{"//"}, block: true}
	cLikeTick   = syntax{lineMarkers: []string{"//"}, block: true, backtick: true}
	hashFamily  = syntax{lineMarkers: []string{"#"}, spaced: true, tripleQuotes: true}
	dashFamily  = syntax{lineMarkers: []string{"--"}}
	blockOnly   = syntax{block: true}
	phpFamily   = syntax{lineMarkers: []string{"//", "#"}, block: true}
	iniFamily   = syntax{lineMarkers: []string{";", "#"}, spaced: true}
	// unknownCode leaves '#' alone: it is a directive in C and a heading in prose.
	unknownCode = syntax{lineMarkers: []string{"//"}, spaced: true, block: true}
)

var syntaxByExt = map[string]syntax{
	".go": cLikeTick, ".js": cLikeTick, ".jsx": cLikeTick, ".ts": cLikeTick, ".tsx": cLikeTick,
	".mjs": cLikeTick, ".cjs": cLikeTick,
	".rs": cLike, ".c": cLike, ".h": cLike, ".cc": cLike, ".cpp": cLike, ".hpp": cLike,
	".java": cLike, ".kt": cLike, ".scala": cLike, ".cs": cLike, ".swift": cLike, ".dart": cLike,
	".proto": cLike, ".zig": cLike,
	".py": hashFamily, ".rb": hashFamily, ".sh": hashFamily, ".bash": hashFamily, ".zsh": hashFamily,
	".yaml": hashFamily, ".yml": hashFamily, ".toml": hashFamily, ".pl": hashFamily, ".r": hashFamily,
	".ex": hashFamily, ".exs": hashFamily, ".tf": hashFamily, ".cmake": hashFamily,
	".sql": dashFamily, ".lua": dashFamily, ".hs": dashFamily,
	".css": blockOnly, ".scss": cLike, ".less": cLike,
	".php": phpFamily,
	".ini": iniFamily, ".cfg": iniFamily, ".conf": hashFamily,
}

// plainExt lists formats with no comment syntax worth stripping.
var plainExt = map[string]bool{
	".md": true, ".txt": true, ".json": true, ".csv": true, ".log": true, ".rst": true, ".html": true,
}

var syntaxByBase = map[string]syntax{
	"dockerfile": hashFamily, "makefile": hashFamily, ".gitignore": hashFamily, ".env": hashFamily,
}

func syntaxFor(item request.ContextItem) (syntax, bool) {
	base := strings.ToLower(filepath.Base(item.Name))
	if syn, ok := syntaxByBase[base]; ok {
		return syn, true
	}
	ext := strings.ToLower(filepath.Ext(item.Name))
	if syn, ok := syntaxByExt[ext]; ok {
		return syn, true
	}
	if isProse(item) {
		return syntax{}, false
	}
	return unknownCode, true
}

// isProse reports whether an item is text rather than code, judged by its
// extension and then its kind.
func isProse(item request.ContextItem) bool {
	if plainExt[strings.ToLower(filepath.Ext(item.Name))] {
		return true
	}
	switch item.Kind {
	case request.KindDocumentation, request.KindError, request.KindOutput:
		return true
	}
	return false
}

// stripComments scans src once, copying everything except comments. A line
// that held only a comment is removed together with its newline.
func stripComments(src string, syn syntax) string {
	out := make([]byte, 0, len(src))
	n := len(src)
	lineStart := true

	for i := 0; i < n; {
		c := src[i]

		if syn.tripleQuotes && (strings.HasPrefix(src[i:], `"""`) || strings.HasPrefix(src[i:], `'''`)) {
			q := src[i : i+3]
			stop := n
			if end := strings.Index(src[i+3:], q); end >= 0 {
				stop = i + 3 + end + 3
			}
			out = append(out, src[i:stop]...)
			i, lineStart = stop, false
			continue
		}

		if c == '"' || c == '\'' || (c == '`' && syn.backtick) {
			stop := scanString(src, i)
			out = append(out, src[i:stop]...)
			i, lineStart = stop, false
			continue
		}

		if syn.block && strings.HasPrefix(src[i:], "/*") && (!syn.spaced || afterSpace(src, i)) {
			stop := n
			if end := strings.Index(src[i+2:], "*/"); end >= 0 {
				stop = i + 2 + end + 2
			}
			i = stop
			if lineStart && (i == n || src[i] == '\n' || src[i] == '\r') {
				out = trimTrailingBlanks(out)
				i = skipNewline(src, i, out)
			}
			continue
		}

		if isLineComment(src, i, syn) {
			stop := n
			if end := strings.IndexByte(src[i:], '\n'); end >= 0 {
				stop = i + end
			}
			out = trimTrailingBlanks(out)
			i = stop
			if lineStart {
				i = skipNewline(src, i, out)
			}
			continue
		}

		out = append(out, c)
		switch c {
		case '\n':
			lineStart = true
		case ' ', '\t', '\r':
		default:
			lineStart = false
		}
		i++
	}
	return string(out)
}

func isLineComment(src string, i int, syn syntax) bool {
	if syn.spaced && !afterSpace(src, i) {
		return false
	}
	for _, m := range syn.lineMarkers {
		if strings.HasPrefix(src[i:], m) {
			return true
		}
	}
	return false
}

// afterSpace reports whether src[i] starts a line or follows whitespace.
func afterSpace(src string, i int) bool {
	if i == 0 {
		return true
	}
	switch src[i-1] {
	case ' ', '\t', '\n', '\r':
		return true
	}
	return false
}

// scanString returns the index just past the literal starting at i. Single and
// double quoted literals end at a newline if left unterminated.
func scanString(src string, i int) int {
	q := src[i]
	n := len(src)
	for j := i + 1; j < n; j++ {
		switch {
		case src[j] == '\\' && q != '`':
			j++
		case src[j] == q:
			return j + 1
		case src[j] == '\n' && q != '`':
			return j
		}
	}
	return n
}

func trimTrailingBlanks(out []byte) []byte {
	for len(out) > 0 && (out[len(out)-1] == ' ' || out[len(out)-1] == '\t') {
		out = out[:len(out)-1]
	}
	return out
}

// skipNewline drops the line break that ends a comment-only line.
func skipNewline(src string, i int, out []byte) int {
	if len(out) > 0 && out[len(out)-1] != '\n' {
		return i
	}
	if i < len(src) && src[i] == '\r' {
		i++
	}
	if i < len(src) && src[i] == '\n' {
		i++
	}
	return i
}
