package relay

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/iabetor/feedrelay/internal/rss"
)

// FormatMessage 把订阅条目渲染成聊天室的 Markdown 消息。
// 摘要按字符截断到 summaryLen，summaryLen <= 0 表示不截断。
func FormatMessage(tag string, e rss.Entry, summaryLen int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🤖❓ New `%s` question in stackoverflow:\n", tag)
	fmt.Fprintf(&b, "**Title**: %s\n", e.Title)
	fmt.Fprintf(&b, "**Posted by**: %s\n", author(e))
	fmt.Fprintf(&b, "**Time**: %s\n", publishedAt(e.Published))
	fmt.Fprintf(&b, "**Summary**: %s...\n", truncate(e.Summary, summaryLen))
	b.WriteString("\n")
	fmt.Fprintf(&b, "**Read the rest at:** %s\n", e.Link)
	return b.String()
}

func author(e rss.Entry) string {
	name := e.AuthorName
	if name == "" {
		name = "unknown"
	}
	if e.AuthorURL == "" {
		return name
	}
	return fmt.Sprintf("[%s](%s)", name, e.AuthorURL)
}

func publishedAt(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	return t.UTC().Format(time.RFC3339)
}

// truncate 截断字符串到指定字符数（按 UTF-8 字符计算）。
func truncate(s string, maxLen int) string {
	if maxLen <= 0 || utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxLen])
}
