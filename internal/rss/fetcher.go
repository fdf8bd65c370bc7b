package rss

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/mmcdole/gofeed/atom"
	"golang.org/x/net/html"

	"github.com/iabetor/feedrelay/internal/logger"
)

const (
	defaultFetchTimeout = 15 * time.Second
	defaultUserAgent    = "feedrelay/1.0 RSS Reader"

	// customAuthorURI 是 Item.Custom 中保存 Atom 作者主页的键。
	customAuthorURI = "author_uri"
)

// Reader 负责抓取并解析订阅源。
type Reader struct {
	client    *http.Client
	userAgent string
}

// NewReader 创建订阅源读取器。client 为 nil 时使用带超时的默认客户端。
func NewReader(client *http.Client, userAgent string) *Reader {
	if client == nil {
		client = &http.Client{Timeout: defaultFetchTimeout}
	}
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	return &Reader{client: client, userAgent: userAgent}
}

// newParser 每次抓取新建解析器，gofeed.Parser 内部带状态，不能在 goroutine 间共享。
func newParser() *gofeed.Parser {
	parser := gofeed.NewParser()
	parser.AtomTranslator = &authorURITranslator{}
	return parser
}

// Fetch 抓取 url 指向的订阅源。
func (r *Reader) Fetch(ctx context.Context, url string) (*Feed, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("User-Agent", r.userAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("抓取订阅源失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("抓取订阅源失败: HTTP %d", resp.StatusCode)
	}

	parsed, err := newParser().Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("解析订阅源失败: %w", err)
	}

	return &Feed{Title: parsed.Title, Entries: convertItems(parsed.Items)}, nil
}

func convertItems(items []*gofeed.Item) []Entry {
	entries := make([]Entry, 0, len(items))
	for _, item := range items {
		e := Entry{
			Title: strings.TrimSpace(item.Title),
			Link:  item.Link,
		}

		switch {
		case item.PublishedParsed != nil:
			e.Published = item.PublishedParsed.UTC()
		case item.UpdatedParsed != nil:
			e.Published = item.UpdatedParsed.UTC()
		default:
			logger.Debugf("[rss] 条目 %q 没有发布时间", e.Title)
		}

		if len(item.Authors) > 0 && item.Authors[0] != nil {
			e.AuthorName = item.Authors[0].Name
		}
		e.AuthorURL = item.Custom[customAuthorURI]

		summary := item.Description
		if summary == "" {
			summary = item.Content
		}
		e.Summary = plainText(summary)

		entries = append(entries, e)
	}
	return entries
}

// authorURITranslator 在默认 Atom 转换的基础上保留作者的 <uri>，
// gofeed 的通用 Person 结构没有这个字段。
type authorURITranslator struct {
	gofeed.DefaultAtomTranslator
}

func (t *authorURITranslator) Translate(feed interface{}) (*gofeed.Feed, error) {
	result, err := t.DefaultAtomTranslator.Translate(feed)
	if err != nil {
		return nil, err
	}
	af, ok := feed.(*atom.Feed)
	if !ok || len(af.Entries) != len(result.Items) {
		return result, nil
	}
	for i, entry := range af.Entries {
		if len(entry.Authors) == 0 || entry.Authors[0] == nil || entry.Authors[0].URI == "" {
			continue
		}
		item := result.Items[i]
		if item.Custom == nil {
			item.Custom = make(map[string]string)
		}
		item.Custom[customAuthorURI] = entry.Authors[0].URI
	}
	return result, nil
}

// plainText 提取 HTML 片段中的文本，实体会被解码，连续空白合并为一个空格。
func plainText(s string) string {
	if s == "" {
		return ""
	}
	var sb strings.Builder
	z := html.NewTokenizer(strings.NewReader(s))
	skip := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			return strings.Join(strings.Fields(sb.String()), " ")
		case html.StartTagToken, html.EndTagToken, html.SelfClosingTagToken:
			tt := z.Token()
			switch {
			case isInvisible(tt.Data) && tt.Type == html.StartTagToken:
				skip++
			case isInvisible(tt.Data) && tt.Type == html.EndTagToken && skip > 0:
				skip--
			case isBlock(tt.Data):
				sb.WriteByte(' ')
			}
		case html.TextToken:
			if skip == 0 {
				sb.Write(z.Text())
			}
		}
	}
}

func isInvisible(tag string) bool {
	return tag == "script" || tag == "style"
}

// isBlock 判断标签是否会在渲染时换行，这些位置需要补一个空格。
func isBlock(tag string) bool {
	switch tag {
	case "p", "div", "br", "li", "ul", "ol", "pre", "blockquote", "tr", "td", "th",
		"h1", "h2", "h3", "h4", "h5", "h6", "hr":
		return true
	}
	return false
}
