package sandbox

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	// frameRe matches a traceback frame header, with or without the
	// trailing ", in <module>" part (SyntaxError frames omit it).
	frameRe = regexp.MustCompile(`^\s*File "(.+)", line ([0-9]+)`)
	// identRe matches an exception type name, dotted module path included.
	identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*$`)
)

// ParseTraceback extracts structured failure detail from interpreter output.
// scriptPath is the scratch file the payload ran from; only frames located in
// that file yield a line number, and the reported line is 1-indexed within
// the payload since the payload is staged verbatim. Returns nil when the
// output carries no recognizable traceback.
func ParseTraceback(output, scriptPath, payload string) *FailureDetail {
	lines := strings.Split(output, "\n")

	// Require traceback evidence before trusting the last line: either the
	// standard header, or a bare frame line (SyntaxError prints no header).
	hasTrace := false
	for _, l := range lines {
		if strings.HasPrefix(l, "Traceback (most recent call last):") || frameRe.MatchString(l) {
			hasTrace = true
			break
		}
	}
	if !hasTrace {
		return nil
	}

	// The last non-empty line is "ExcType: message", or a bare "ExcType".
	var excLine string
	for i := len(lines) - 1; i >= 0; i-- {
		if s := strings.TrimSpace(lines[i]); s != "" {
			excLine = s
			break
		}
	}
	kind, message := splitExceptionLine(excLine)
	if kind == "" {
		return nil
	}
	detail := &FailureDetail{Kind: kind, Message: message}

	// The deepest frame inside the payload gives the failing line. Scanning
	// from the end also lands on the final exception of a chained traceback.
	for i := len(lines) - 1; i >= 0; i-- {
		m := frameRe.FindStringSubmatch(lines[i])
		if m == nil || m[1] != scriptPath {
			continue
		}
		n, err := strconv.Atoi(m[2])
		if err != nil || n < 1 {
			continue
		}
		detail.Line = n
		if src := strings.Split(payload, "\n"); n <= len(src) {
			detail.Source = strings.TrimSpace(src[n-1])
		}
		break
	}
	return detail
}

func splitExceptionLine(s string) (kind, message string) {
	name := s
	if i := strings.IndexByte(s, ':'); i >= 0 {
		name = s[:i]
		message = strings.TrimSpace(s[i+1:])
	}
	if !identRe.MatchString(name) {
		return "", ""
	}
	return name, message
}
