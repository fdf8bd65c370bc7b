package gitter

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"
)

// 速率限制相关的响应头。
const (
	headerRateLimit     = "X-RateLimit-Limit"
	headerRateRemaining = "X-RateLimit-Remaining"
	headerRateReset     = "X-RateLimit-Reset"
)

// RateLimit 是从一次响应头中解析出的配额快照。
type RateLimit struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"` // UTC
}

// RateLimitFromHeader 从响应头解析配额信息。
// 任一头缺失或不是数字时返回 nil，表示该接口未报告配额。
func RateLimitFromHeader(h http.Header) *RateLimit {
	if h == nil {
		return nil
	}
	limit, err := strconv.Atoi(h.Get(headerRateLimit))
	if err != nil {
		return nil
	}
	remaining, err := strconv.Atoi(h.Get(headerRateRemaining))
	if err != nil {
		return nil
	}
	resetMs, err := strconv.ParseFloat(h.Get(headerRateReset), 64)
	if err != nil || math.IsNaN(resetMs) || math.IsInf(resetMs, 0) {
		return nil
	}

	return &RateLimit{
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   time.UnixMilli(int64(resetMs)).UTC(),
	}
}

// HasCapacity 判断是否可能还有请求额度：
// 剩余次数大于 0，或者服务端的配额窗口已经重置。
func (r *RateLimit) HasCapacity() bool {
	return r.hasCapacityAt(time.Now())
}

func (r *RateLimit) hasCapacityAt(now time.Time) bool {
	if r.Remaining > 0 {
		return true
	}
	return now.After(r.ResetAt)
}

func (r *RateLimit) String() string {
	return fmt.Sprintf("< %d/%d until %s >", r.Remaining, r.Limit, r.ResetAt.Format(time.RFC3339))
}
