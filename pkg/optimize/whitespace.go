package optimize

import (
	"context"
	"strings"

	"github.com/kcaldas/tokenopt/pkg/request"
)

// whitespaceStrategy collapses whitespace runs to single spaces. Fenced code
// blocks are kept byte-for-byte when preserveCode is set.
type whitespaceStrategy struct {
	preserveCode bool
}

func (s *whitespaceStrategy) Name() StrategyType { return StripWhitespace }

func (s *whitespaceStrategy) Apply(_ context.Context, req request.Request) (request.Request, []Diagnostic, error) {
	out := req.Clone()
	out.System = collapseWhitespace(out.System, s.preserveCode)
	out.Task = collapseWhitespace(out.Task, s.preserveCode)
	for i := range out.Items {
		out.Items[i].Content = collapseWhitespace(out.Items[i].Content, s.preserveCode)
	}
	return out, nil, nil
}

func collapseWhitespace(text string, preserveCode bool) string {
	if !preserveCode {
		return collapseRuns(text)
	}
	segments := splitFences(text)
	parts := make([]string, 0, len(segments))
	for _, seg := range segments {
		if seg.fenced {
			parts = append(parts, seg.text)
			continue
		}
		if collapsed := collapseRuns(seg.text); collapsed != "" {
			parts = append(parts, collapsed)
		}
	}
	return strings.Join(parts, "\n")
}

func collapseRuns(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

type segment struct {
	text   string
	fenced bool
}

// splitFences cuts text into prose and fenced-code segments. A fence opens on a
// line starting with ``` or ~~~ and closes on the next line starting with the
// same marker. An unclosed fence runs to the end of the text.
func splitFences(text string) []segment {
	lines := strings.Split(text, "\n")
	var segments []segment
	var current []string
	inFence := false
	marker := ""

	flush := func(fenced bool) {
		if len(current) > 0 {
			segments = append(segments, segment{text: strings.Join(current, "\n"), fenced: fenced})
			current = nil
		}
	}

	for _, line := range lines {
		trimmed := strings.TrimLeft(line, " \t")
		if !inFence {
			if m := fenceMarker(trimmed); m != "" {
				flush(false)
				inFence, marker = true, m
			}
			current = append(current, line)
			continue
		}
		current = append(current, line)
		if strings.HasPrefix(trimmed, marker) {
			flush(true)
			inFence = false
		}
	}
	flush(inFence)
	return segments
}

func fenceMarker(line string) string {
	switch {
	case strings.HasPrefix(line, "```"):
		return "```"
	case strings.HasPrefix(line, "~~~"):
		return "~~~"
	}
	return ""
}
