package content

import "strings"

// Segment is a run of prose or one fenced code block
type Segment struct {
	Text     string
	Code     bool
	Language string
}

// Split breaks text into prose and ``` fenced code segments. An unclosed
// fence runs to the end of the text.
func Split(text string) []Segment {
	var (
		segments []Segment
		buf      strings.Builder
		inCode   bool
		language string
	)

	flush := func() {
		if buf.Len() == 0 && !inCode {
			return
		}
		segments = append(segments, Segment{Text: buf.String(), Code: inCode, Language: language})
		buf.Reset()
	}

	for _, line := range strings.SplitAfter(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			if inCode {
				flush()
				inCode = false
				language = ""
			} else {
				flush()
				inCode = true
				language = strings.TrimSpace(strings.TrimPrefix(trimmed, "```"))
			}
			continue
		}
		buf.WriteString(line)
	}
	flush()

	return segments
}
