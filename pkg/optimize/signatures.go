package optimize

import (
	"context"
	"regexp"
	"strings"

	"github.com/kcaldas/tokenopt/pkg/request"
)

var (
	// funcDecl matches function headers across the common brace languages.
	funcDecl = regexp.MustCompile(
		`^(?:(?:pub(?:\([a-z]+\))?|export|default|async|static|public|private|protected|internal|override|unsafe|extern|inline|virtual|final|abstract)\s+)*` +
			`(?:fn|func|function)\b`)
	// containerDecl matches declarations whose bodies hold further declarations.
	containerDecl = regexp.MustCompile(
		`^(?:(?:pub(?:\([a-z]+\))?|export|default|public|private|protected|internal|abstract|final|sealed|data|unsafe)\s+)*` +
			`(?:class|impl|trait|object|namespace|module|mod)\b`)
	// dataDecl matches type declarations kept verbatim.
	dataDecl = regexp.MustCompile(
		`^(?:(?:pub(?:\([a-z]+\))?|export|public|private|protected|internal)\s+)*` +
			`(?:struct|enum|interface|union|type\s+\w+(?:\[[^\]]*\])?\s+(?:struct|interface))\b`)
	// pyDecl matches Python definitions, which are kept as single lines.
	pyDecl = regexp.MustCompile(`^(?:async\s+)?(?:def|class)\s+\w+`)
	// methodDecl matches Java/C#-style method headers inside a class body.
	methodDecl = regexp.MustCompile(
		`^(?:(?:public|private|protected|internal|static|final|abstract|override|virtual|async|synchronized)\s+)+` +
			`[\w<>\[\],.? ]+\s+\w+\s*\(`)
)

// signatureStrategy reduces code items to their declarations.
type signatureStrategy struct{}

func (s *signatureStrategy) Name() StrategyType { return ExtractSignatures }

func (s *signatureStrategy) Apply(_ context.Context, req request.Request) (request.Request, []Diagnostic, error) {
	out := req.Clone()
	for i, item := range out.Items {
		if isProse(item) {
			continue
		}
		out.Items[i].Content = extractSignatures(item.Content)
	}
	return out, nil, nil
}

type declKind int

const (
	declNone declKind = iota
	declFunc
	declContainer
	declData
	declPython
)

// classifyLine looks at lines[i]. Containers and data types only count when a
// body follows, so prose starting with "struct" or "module" is not a
// declaration.
func classifyLine(lines []string, i int, inContainer bool) declKind {
	trimmed := strings.TrimSpace(lines[i])
	switch {
	case funcDecl.MatchString(trimmed) && strings.Contains(trimmed, "("):
		return declFunc
	case containerDecl.MatchString(trimmed) && opensBody(lines, i):
		return declContainer
	case dataDecl.MatchString(trimmed) && (opensBody(lines, i) || strings.HasSuffix(trimmed, ";")):
		return declData
	case pyDecl.MatchString(trimmed) && strings.HasSuffix(strings.TrimSpace(trimmed), ":"):
		return declPython
	case inContainer && methodDecl.MatchString(trimmed):
		return declFunc
	}
	return declNone
}

// extractSignatures keeps declaration headers. Function bodies become
// "{ ... }", container bodies are scanned for nested declarations, data types
// are kept whole. Text without any declaration is returned unchanged.
func extractSignatures(code string) string {
	lines := strings.Split(code, "\n")
	var out []string
	found := false
	// containers holds the brace depth at which each open container closes.
	var containers []int
	depth := 0

	for i := 0; i < len(lines); i++ {
		line := lines[i]
		trimmed := strings.TrimSpace(line)

		if len(containers) > 0 && trimmed == "}" && depth-1 == containers[len(containers)-1] {
			out = append(out, line)
			containers = containers[:len(containers)-1]
			depth--
			continue
		}

		kind := classifyLine(lines, i, len(containers) > 0)
		switch kind {
		case declFunc:
			found = true
			header, end := functionHeader(lines, i)
			out = append(out, header)
			i = end
			continue
		case declContainer:
			found = true
			out = append(out, line)
			opens := braceDelta(line)
			if opens <= 0 && nextOpensBrace(lines, i) {
				i++
				out = append(out, lines[i])
				opens += braceDelta(lines[i])
			}
			if opens > 0 {
				containers = append(containers, depth)
				depth += opens
			}
			continue
		case declData:
			found = true
			end := i
			if indexOutsideStrings(line, '{') >= 0 {
				end = blockEnd(lines, i)
			} else if nextOpensBrace(lines, i) {
				end = blockEnd(lines, i+1)
			}
			out = append(out, lines[i:end+1]...)
			i = end
			continue
		case declPython:
			found = true
			out = append(out, strings.TrimRight(line, " \t"))
			continue
		}
		depth += braceDelta(line)
	}

	if !found {
		return code
	}
	return strings.Join(out, "\n")
}

// functionHeader renders the header starting at lines[start] as
// "header { ... }" and returns the index of the last line of the body.
func functionHeader(lines []string, start int) (string, int) {
	line := lines[start]
	brace := indexOutsideStrings(line, '{')
	if brace < 0 {
		// Header continues on the next lines (multi-line parameters) or is a
		// bodiless declaration such as an interface method.
		if nextOpensBrace(lines, start) {
			end := blockEnd(lines, start+1)
			return strings.TrimRight(line, " \t") + " { ... }", end
		}
		return strings.TrimRight(line, " \t"), start
	}
	header := strings.TrimRight(line[:brace], " \t")
	end := blockEnd(lines, start)
	return header + " { ... }", end
}

// opensBody reports whether the declaration at lines[i] opens a brace body on
// the same line or on the next.
func opensBody(lines []string, i int) bool {
	return indexOutsideStrings(lines[i], '{') >= 0 || nextOpensBrace(lines, i)
}

func nextOpensBrace(lines []string, i int) bool {
	return i+1 < len(lines) && strings.HasPrefix(strings.TrimSpace(lines[i+1]), "{")
}

// blockEnd returns the index of the line where the braces opened at or after
// lines[start] balance again. A line without braces is its own block.
func blockEnd(lines []string, start int) int {
	depth := 0
	opened := false
	for i := start; i < len(lines); i++ {
		for _, c := range stripStrings(lines[i]) {
			switch c {
			case '{':
				depth++
				opened = true
			case '}':
				depth--
			}
		}
		if opened && depth <= 0 {
			return i
		}
		if !opened && i == start && !strings.HasSuffix(strings.TrimSpace(lines[i]), "(") {
			return i
		}
	}
	return len(lines) - 1
}

func braceDelta(line string) int {
	delta := 0
	for _, c := range stripStrings(line) {
		switch c {
		case '{':
			delta++
		case '}':
			delta--
		}
	}
	return delta
}

func indexOutsideStrings(line string, target byte) int {
	stripped := stripStrings(line)
	return strings.IndexByte(stripped, target)
}

// stripStrings blanks out string and char literals while keeping offsets, so
// braces inside literals are not counted.
func stripStrings(line string) string {
	b := []byte(line)
	for i := 0; i < len(b); i++ {
		q := b[i]
		if q != '"' && q != '\'' && q != '`' {
			continue
		}
		j := i + 1
		for ; j < len(b) && b[j] != q; j++ {
			if b[j] == '\\' {
				j++
			}
		}
		for k := i + 1; k < j && k < len(b); k++ {
			b[k] = ' '
		}
		i = j
	}
	return string(b)
}
