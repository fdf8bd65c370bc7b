// Package rss 负责抓取 RSS/Atom 订阅源并筛选出新发布的条目。
package rss

import (
	"sort"
	"time"
)

// Feed 一次抓取得到的订阅源内容。
type Feed struct {
	Title   string
	Entries []Entry
}

// Entry 订阅源条目。
type Entry struct {
	Title      string    `json:"title"`
	Link       string    `json:"link"`
	Published  time.Time `json:"published"` // 缺失时为零值
	AuthorName string    `json:"author_name"`
	AuthorURL  string    `json:"author_url"`
	Summary    string    `json:"summary"` // 已去除 HTML 的纯文本
}

// NewerThan 返回发布时间晚于 t 的条目，按发布时间从旧到新排列。
func NewerThan(entries []Entry, t time.Time) []Entry {
	var out []Entry
	for _, e := range entries {
		if e.Published.After(t) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Published.Before(out[j].Published)
	})
	return out
}
