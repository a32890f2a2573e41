// Package protocol implements the tagged-segment grammar the analysis model
// speaks. Assistant output is a sequence of <Analyze>, <Understand>, <Code>
// and <Answer> segments; execution output is fed back wrapped in <Execute>
// tags. The parser is a small scanner over known delimiters so that responses
// truncated by the generation stop sequence are repaired in one normalization
// step instead of being special-cased throughout.
package protocol

import "strings"

// Tag identifies a segment kind in model output.
type Tag string

const (
	TagAnalyze    Tag = "Analyze"
	TagUnderstand Tag = "Understand"
	TagCode       Tag = "Code"
	TagExecute    Tag = "Execute"
	TagAnswer     Tag = "Answer"
)

// StopSequence is the generation stop sequence handed to the model gateway.
// Cutting generation at the closing Code tag keeps the model from inventing
// execution results before the real ones exist.
const StopSequence = "</Code>"

// segmentTags are the tags recognized in assistant output. Execute is absent:
// it is system-injected around execution output, never parsed out of a response.
var segmentTags = []Tag{TagAnalyze, TagUnderstand, TagCode, TagAnswer}

// Segment is one tagged region of assistant output.
type Segment struct {
	Tag  Tag    `json:"tag"`
	Body string `json:"body"`
}

// Response is a parsed assistant response. Payload is the executable text
// extracted from the first Code segment; Answer is the body of the first
// Answer segment. HasAnswer set, or HasPayload unset, each independently
// signal that no execution should happen this round.
type Response struct {
	Segments   []Segment
	HasCode    bool
	Payload    string
	HasPayload bool
	Answer     string
	HasAnswer  bool
}

// Normalize prepares raw model output for parsing. When generation was cut by
// the stop sequence, the closing Code tag never made it into the text; it is
// synthesized here so parsing is uniform regardless of why generation stopped.
func Normalize(text string, stoppedOnSequence bool) string {
	if !stoppedOnSequence {
		return text
	}
	if strings.Count(text, openTag(TagCode)) > strings.Count(text, closeTag(TagCode)) {
		return text + closeTag(TagCode)
	}
	return text
}

// Parse scans text for tagged segments, case-sensitively and non-nested.
// Text outside any segment is ignored. A segment whose closing tag is missing
// is closed at end of text, so a truncated response still parses.
func Parse(text string) Response {
	var resp Response
	pos := 0
	for pos < len(text) {
		i := strings.IndexByte(text[pos:], '<')
		if i < 0 {
			break
		}
		pos += i
		tag, ok := openingTagAt(text, pos)
		if !ok {
			pos++
			continue
		}
		bodyStart := pos + len(openTag(tag))
		var body string
		if j := strings.Index(text[bodyStart:], closeTag(tag)); j >= 0 {
			body = text[bodyStart : bodyStart+j]
			pos = bodyStart + j + len(closeTag(tag))
		} else {
			body = text[bodyStart:]
			pos = len(text)
		}
		resp.Segments = append(resp.Segments, Segment{Tag: tag, Body: body})

		switch tag {
		case TagAnswer:
			if !resp.HasAnswer {
				resp.Answer = strings.TrimSpace(body)
				resp.HasAnswer = true
			}
		case TagCode:
			// Exactly one Code segment is acted upon per round: the first.
			if !resp.HasCode {
				resp.HasCode = true
				if p := ExtractPayload(body); p != "" {
					resp.Payload = p
					resp.HasPayload = true
				}
			}
		}
	}
	return resp
}

// ExtractPayload returns the executable text of a Code segment body. A body
// may wrap its payload in a triple-backtick fence with an optional language
// hint; the fenced and unfenced paths converge to the same trimmed payload.
func ExtractPayload(body string) string {
	trimmed := strings.TrimSpace(body)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	rest := trimmed[3:]
	// Drop the optional language hint on the opening fence line.
	nl := strings.IndexByte(rest, '\n')
	if nl < 0 {
		// Opening fence with nothing after it.
		return ""
	}
	rest = rest[nl+1:]
	if i := strings.LastIndex(rest, "```"); i >= 0 {
		rest = rest[:i]
	}
	return strings.TrimSpace(rest)
}

// WrapObservation wraps execution output in Execute tags for the transcript.
func WrapObservation(output string) string {
	return openTag(TagExecute) + "\n" + strings.TrimRight(output, "\n") + "\n" + closeTag(TagExecute)
}

func openingTagAt(text string, pos int) (Tag, bool) {
	for _, t := range segmentTags {
		if strings.HasPrefix(text[pos:], openTag(t)) {
			return t, true
		}
	}
	return "", false
}

func openTag(t Tag) string  { return "<" + string(t) + ">" }
func closeTag(t Tag) string { return "</" + string(t) + ">" }
