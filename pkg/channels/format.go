package channels

import "strings"

// Telegram rejects messages over 4096 characters; splitting targets a
// lower figure so HTML wrapping never pushes a chunk over the limit.
const (
	telegramMaxMessageLength = 4096
	telegramSplitTarget      = 3800
)

// renderHTML escapes content for Telegram HTML mode. Monospace replies
// (command output) keep their first line as a header and wrap the rest in
// a <pre> block, matching how terminals are usually quoted in chat.
func renderHTML(content string, monospace bool) string {
	if !monospace {
		return escapeHTML(content)
	}

	head, body, found := strings.Cut(content, "\n")
	if !found {
		return escapeHTML(head)
	}
	return escapeHTML(head) + "\n<pre>" + escapeHTML(body) + "</pre>"
}

func escapeHTML(text string) string {
	text = strings.ReplaceAll(text, "&", "&amp;")
	text = strings.ReplaceAll(text, "<", "&lt;")
	text = strings.ReplaceAll(text, ">", "&gt;")
	return text
}

// splitMessageContent cuts text into chunks of at most target runes,
// preferring paragraph, then line, then word boundaries.
func splitMessageContent(text string, target int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if target <= 0 {
		return []string{text}
	}

	runes := []rune(text)
	result := make([]string, 0, 1)
	for len(runes) > 0 {
		if len(runes) <= target {
			tail := strings.TrimSpace(string(runes))
			if tail != "" {
				result = append(result, tail)
			}
			break
		}

		splitAt := findSplitPoint(runes, target)
		chunk := strings.TrimSpace(string(runes[:splitAt]))
		if chunk != "" {
			result = append(result, chunk)
		}

		runes = runes[splitAt:]
		for len(runes) > 0 && (runes[0] == '\n' || runes[0] == '\r' || runes[0] == ' ' || runes[0] == '\t') {
			runes = runes[1:]
		}
	}
	return result
}

func findSplitPoint(runes []rune, limit int) int {
	if len(runes) <= limit {
		return len(runes)
	}
	if limit <= 1 {
		return 1
	}

	floor := limit / 2
	if floor < 1 {
		floor = 1
	}

	for i := limit; i > floor; i-- {
		if i > 1 && runes[i-1] == '\n' && runes[i-2] == '\n' {
			return i
		}
	}
	for i := limit; i > floor; i-- {
		if runes[i-1] == '\n' {
			return i
		}
	}
	for i := limit; i > floor; i-- {
		if runes[i-1] == ' ' || runes[i-1] == '\t' {
			return i
		}
	}
	return limit
}
