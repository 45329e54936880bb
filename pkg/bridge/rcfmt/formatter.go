// Package rcfmt handles Rocket.Chat markdown concerns for the bridge:
// splitting over-long messages without breaking code fences, and replacing
// emoji shortcodes with their Unicode equivalents.
package rcfmt

import (
	"regexp"
	"strings"
)

const fence = "```"

// Chunk splits text into pieces no longer than max runes each, preserving
// user-visible order. Splits happen at line boundaries where possible, and
// never inside a fenced code block: an open fence is closed at the end of a
// chunk and reopened at the start of the next one.
func Chunk(text string, max int) []string {
	if max <= 0 || len([]rune(text)) <= max {
		return []string{text}
	}

	var chunks []string
	var current []string
	currentLen := 0
	fenceOpen := false

	flush := func() {
		if len(current) == 0 {
			return
		}
		chunk := strings.Join(current, "\n")
		if fenceOpen {
			chunk += "\n" + fence
		}
		chunks = append(chunks, chunk)
		current = nil
		currentLen = 0
		if fenceOpen {
			current = append(current, fence)
			currentLen = len(fence) + 1
		}
	}

	for _, line := range strings.Split(text, "\n") {
		lineLen := len([]rune(line))

		// A single line longer than max is hard-split; fences cannot span it.
		if lineLen > max {
			flush()
			for _, piece := range hardSplit(line, max) {
				chunks = append(chunks, piece)
			}
			continue
		}

		// Reserve room for the closing fence a flush may need to append.
		budget := max
		if fenceOpen || isFenceLine(line) {
			budget -= len(fence) + 1
		}
		if currentLen > 0 && currentLen+1+lineLen > budget {
			flush()
		}

		current = append(current, line)
		if currentLen > 0 {
			currentLen++ // joining newline
		}
		currentLen += lineLen
		if isFenceLine(line) {
			fenceOpen = !fenceOpen
		}
	}
	flush()

	if len(chunks) == 0 {
		return []string{""}
	}
	return chunks
}

// isFenceLine reports whether a line opens or closes a fenced code block.
func isFenceLine(line string) bool {
	return strings.HasPrefix(strings.TrimSpace(line), fence)
}

// hardSplit cuts a single line into max-rune pieces.
func hardSplit(line string, max int) []string {
	runes := []rune(line)
	var pieces []string
	for len(runes) > max {
		pieces = append(pieces, string(runes[:max]))
		runes = runes[max:]
	}
	if len(runes) > 0 {
		pieces = append(pieces, string(runes))
	}
	return pieces
}

var shortcodeRe = regexp.MustCompile(`:([a-z0-9_+\-]+):`)

var shortcodeMap = map[string]string{
	"+1":               "\U0001f44d",
	"-1":               "\U0001f44e",
	"heart":            "❤️",
	"smile":            "\U0001f604",
	"laughing":         "\U0001f606",
	"thumbsup":         "\U0001f44d",
	"thumbsdown":       "\U0001f44e",
	"wave":             "\U0001f44b",
	"clap":             "\U0001f44f",
	"fire":             "\U0001f525",
	"100":              "\U0001f4af",
	"tada":             "\U0001f389",
	"eyes":             "\U0001f440",
	"thinking":         "\U0001f914",
	"white_check_mark": "✅",
	"x":                "❌",
	"warning":          "⚠️",
	"rocket":           "\U0001f680",
	"star":             "⭐",
	"pray":             "\U0001f64f",
}

// ReplaceShortcodes substitutes known :shortcode: sequences with Unicode
// emoji. Unknown shortcodes are left untouched.
func ReplaceShortcodes(text string) string {
	if !strings.Contains(text, ":") {
		return text
	}
	return shortcodeRe.ReplaceAllStringFunc(text, func(match string) string {
		name := strings.Trim(match, ":")
		if emoji, ok := shortcodeMap[name]; ok {
			return emoji
		}
		return match
	})
}
