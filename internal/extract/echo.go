package extract

import (
	"regexp"
	"strings"
)

var (
	whitespace   = regexp.MustCompile(`\s+`)
	echoPrefixes = regexp.MustCompile(`(?i)^(you said|your message|user|나의 말)[:：]`)
)

const (
	echoWindow    = 120
	echoWindowMin = 40
	needleMin     = 32
)

func NormalizeText(input string) string {
	return strings.TrimSpace(whitespace.ReplaceAllString(input, " "))
}

// IsPromptEcho reports whether candidate is the user's prompt rendered back
// by the page rather than an answer.
func IsPromptEcho(candidate, prompt string) bool {
	promptText := NormalizeText(prompt)
	if promptText == "" {
		return false
	}
	text := NormalizeText(candidate)
	if echoPrefixes.MatchString(text) {
		return true
	}
	if text == promptText || strings.HasPrefix(text, promptText) {
		return true
	}
	runes := []rune(promptText)
	start := string(runes[:min(echoWindow, len(runes))])
	end := string(runes[max(0, len(runes)-echoWindow):])
	if len([]rune(start)) >= echoWindowMin && strings.Contains(text, start) {
		return true
	}
	if len([]rune(end)) >= echoWindowMin && strings.Contains(text, end) {
		return true
	}
	hits := 0
	for _, needle := range promptNeedles(promptText) {
		if strings.Contains(text, needle) {
			hits++
		}
		if hits >= 2 {
			return true
		}
	}
	return false
}

// promptNeedles samples fixed-size slices of the prompt at spread offsets.
func promptNeedles(promptText string) []string {
	runes := []rune(promptText)
	length := len(runes)
	needleLen := 48
	switch {
	case length >= 512:
		needleLen = 96
	case length >= 220:
		needleLen = 72
	}
	if length <= needleLen {
		return []string{promptText}
	}
	half := needleLen / 2
	offsets := []int{
		0,
		max(0, length*20/100-half),
		max(0, length*45/100-half),
		max(0, length*70/100-half),
		max(0, length-needleLen),
	}
	seen := map[string]struct{}{}
	needles := []string{}
	for _, offset := range offsets {
		needle := strings.TrimSpace(string(runes[offset:min(length, offset+needleLen)]))
		if len([]rune(needle)) < needleMin {
			continue
		}
		if _, dup := seen[needle]; dup {
			continue
		}
		seen[needle] = struct{}{}
		needles = append(needles, needle)
	}
	return needles
}
