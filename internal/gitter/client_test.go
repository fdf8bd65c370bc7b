package gitter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport 按顺序返回预设响应并记录收到的请求。
type fakeTransport struct {
	mu        sync.Mutex
	requests  []*Request
	responses []*Response
	err       error
	onDo      func(req *Request)
}

func (f *fakeTransport) Do(_ context.Context, req *Request) (*Response, error) {
	if f.onDo != nil {
		f.onDo(req)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.responses) == 0 {
		return &Response{StatusCode: http.StatusOK, Header: http.Header{}, Body: []byte(`{}`)}, nil
	}
	resp := f.responses[0]
	f.responses = f.responses[1:]
	return resp, nil
}

func (f *fakeTransport) last() *Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func jsonResponse(status int, body string, kv ...string) *Response {
	h := make(http.Header)
	for i := 0; i+1 < len(kv); i += 2 {
		h.Set(kv[i], kv[i+1])
	}
	return &Response{StatusCode: status, Header: h, Body: []byte(body)}
}

func newTestClient(tr Transport, opts ...Option) *Client {
	return New(tr, "feedrelay-test", "secret", opts...)
}

func TestClient_RequestHeaders(t *testing.T) {
	tr := &fakeTransport{}
	c := newTestClient(tr)

	_, err := c.Get(context.Background(), "/v1/rooms")
	require.NoError(t, err)

	req := tr.last()
	assert.Equal(t, http.MethodGet, req.Method)
	assert.Equal(t, "https://api.gitter.im/v1/rooms", req.URL)
	assert.Equal(t, "feedrelay-test", req.Header.Get("user-agent"))
	assert.Equal(t, "bearer secret", req.Header.Get("authorization"))
	assert.Equal(t, "application/json", req.Header.Get("accept"))
	assert.Equal(t, "0", req.Header.Get("content-length"))
	assert.Empty(t, req.Header.Get("content-type"))
	assert.Empty(t, req.Body)
}

func TestClient_ResolvesAbsoluteURL(t *testing.T) {
	tr := &fakeTransport{}
	c := newTestClient(tr, WithBaseURL("https://example.com/api/"))

	_, err := c.Get(context.Background(), "rooms")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/api/rooms", tr.last().URL)

	_, err = c.Get(context.Background(), "https://other.example.com/x")
	require.NoError(t, err)
	assert.Equal(t, "https://other.example.com/x", tr.last().URL)
}

func TestClient_PostEncodesJSON(t *testing.T) {
	tr := &fakeTransport{responses: []*Response{jsonResponse(http.StatusCreated, `{"id":"m1"}`)}}
	c := newTestClient(tr)

	data, err := c.Post(context.Background(), "/v1/rooms/r1/chatMessages", map[string]string{"text": "hi"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"id": "m1"}, data)

	req := tr.last()
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "application/json; charset=utf-8", req.Header.Get("content-type"))
	assert.JSONEq(t, `{"text":"hi"}`, string(req.Body))
	assert.Equal(t, strconv.Itoa(len(req.Body)), req.Header.Get("content-length"))
}

func TestClient_PostContentLengthCountsBytes(t *testing.T) {
	tr := &fakeTransport{}
	c := newTestClient(tr)

	_, err := c.Post(context.Background(), "/x", map[string]string{"text": "你好"})
	require.NoError(t, err)

	req := tr.last()
	// 每个汉字占 3 个字节
	assert.Equal(t, `{"text":"你好"}`, string(req.Body))
	assert.Equal(t, "17", req.Header.Get("content-length"))
}

func TestClient_NilPayloadIsJSONNull(t *testing.T) {
	tr := &fakeTransport{}
	c := newTestClient(tr)

	_, err := c.Put(context.Background(), "/x", nil)
	require.NoError(t, err)
	assert.Equal(t, "null", string(tr.last().Body))
	assert.Equal(t, "4", tr.last().Header.Get("content-length"))
}

func TestClient_Verbs(t *testing.T) {
	tr := &fakeTransport{}
	c := newTestClient(tr)
	ctx := context.Background()

	_, err := c.Patch(ctx, "/a", map[string]int{"n": 1})
	require.NoError(t, err)
	assert.Equal(t, http.MethodPatch, tr.last().Method)

	_, err = c.Put(ctx, "/a", []string{"x"})
	require.NoError(t, err)
	assert.Equal(t, http.MethodPut, tr.last().Method)

	_, err = c.Delete(ctx, "/a")
	require.NoError(t, err)
	assert.Equal(t, http.MethodDelete, tr.last().Method)
	assert.Equal(t, "0", tr.last().Header.Get("content-length"))
	assert.Empty(t, tr.last().Body)
}

func TestClient_SuccessStatusesReturnBody(t *testing.T) {
	for _, status := range []int{200, 201, 204} {
		t.Run(strconv.Itoa(status), func(t *testing.T) {
			tr := &fakeTransport{responses: []*Response{
				jsonResponse(status, `[1,"a",null]`,
					"x-ratelimit-limit", "100",
					"x-ratelimit-remaining", "50",
					"x-ratelimit-reset", "1700000000000"),
			}}
			c := newTestClient(tr)

			data, err := c.Get(context.Background(), "/x")
			require.NoError(t, err)
			assert.Equal(t, []any{float64(1), "a", nil}, data)

			rl := c.RateLimit()
			require.NotNil(t, rl)
			assert.Equal(t, 50, rl.Remaining)
			assert.Equal(t, 100, rl.Limit)
		})
	}
}

func TestClient_NoPreDecrementWithoutSnapshot(t *testing.T) {
	tr := &fakeTransport{}
	c := newTestClient(tr)

	var during *RateLimit
	tr.onDo = func(*Request) { during = c.RateLimit() }

	_, err := c.Get(context.Background(), "/x")
	require.NoError(t, err)
	assert.Nil(t, during)
	assert.Nil(t, c.RateLimit())
}

func TestClient_PreDecrementsRemaining(t *testing.T) {
	tr := &fakeTransport{responses: []*Response{
		jsonResponse(http.StatusOK, `{}`,
			"x-ratelimit-limit", "100",
			"x-ratelimit-remaining", "5",
			"x-ratelimit-reset", "1700000000000"),
		jsonResponse(http.StatusOK, `{}`,
			"x-ratelimit-limit", "100",
			"x-ratelimit-remaining", "9",
			"x-ratelimit-reset", "1700000000000"),
	}}
	c := newTestClient(tr)
	ctx := context.Background()

	_, err := c.Get(ctx, "/first")
	require.NoError(t, err)
	require.Equal(t, 5, c.RateLimit().Remaining)

	var during int
	tr.onDo = func(*Request) { during = c.RateLimit().Remaining }

	_, err = c.Get(ctx, "/second")
	require.NoError(t, err)
	assert.Equal(t, 4, during)
	// 真实响应覆盖了乐观估计
	assert.Equal(t, 9, c.RateLimit().Remaining)
}

func TestClient_SnapshotClearedWhenHeadersAbsent(t *testing.T) {
	tr := &fakeTransport{responses: []*Response{
		jsonResponse(http.StatusOK, `{}`,
			"x-ratelimit-limit", "100",
			"x-ratelimit-remaining", "5",
			"x-ratelimit-reset", "1700000000000"),
		jsonResponse(http.StatusOK, `{}`),
	}}
	c := newTestClient(tr)

	_, err := c.Get(context.Background(), "/a")
	require.NoError(t, err)
	_, err = c.Get(context.Background(), "/b")
	require.NoError(t, err)
	assert.Nil(t, c.RateLimit())
}

func TestClient_RateLimitExceeded(t *testing.T) {
	now := time.Date(2023, 11, 14, 22, 0, 0, 0, time.UTC)
	tr := &fakeTransport{responses: []*Response{
		jsonResponse(http.StatusForbidden, `{"message":"API rate limit exceeded"}`,
			"x-ratelimit-limit", "100",
			"x-ratelimit-remaining", "0",
			"x-ratelimit-reset", "1700000000000"),
	}}
	c := newTestClient(tr, WithClock(func() time.Time { return now }))

	_, err := c.Post(context.Background(), "/v1/rooms/r/chatMessages", map[string]string{"text": "x"})

	var rle *RateLimitExceeded
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, 0, rle.RateLimit.Remaining)
	assert.Equal(t, "API rate limit exceeded", rle.Message)

	// 耗尽的快照会保留下来
	require.NotNil(t, c.RateLimit())
	assert.False(t, c.HasCapacity())
}

func TestClient_InvalidField(t *testing.T) {
	tr := &fakeTransport{responses: []*Response{
		jsonResponse(http.StatusUnprocessableEntity, `{"message":"Validation Failed","errors":[{"field":"name"}]}`),
	}}
	c := newTestClient(tr)

	_, err := c.Post(context.Background(), "/x", map[string]string{})

	var invalid *InvalidField
	require.ErrorAs(t, err, &invalid)
	assert.Contains(t, invalid.Error(), "'name'")
	assert.Len(t, invalid.Errors, 1)
}

func TestClient_TransportError(t *testing.T) {
	cause := errors.New("connection refused")
	tr := &fakeTransport{err: cause}
	c := newTestClient(tr)

	_, err := c.Delete(context.Background(), "/v1/rooms/r")

	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.Equal(t, http.MethodDelete, transportErr.Method)
	assert.Equal(t, "https://api.gitter.im/v1/rooms/r", transportErr.URL)
	assert.ErrorIs(t, err, cause)
}

func TestClient_NotModifiedReturnsCachedBody(t *testing.T) {
	cache := NewMemoryCache()
	const key = "https://api.gitter.im/v1/rooms"
	seeded := CacheEntry{ETag: "abc", Body: map[string]any{"x": float64(1)}}
	require.NoError(t, cache.Set(context.Background(), key, seeded))

	tr := &fakeTransport{responses: []*Response{{StatusCode: http.StatusNotModified, Header: http.Header{}}}}
	c := newTestClient(tr, WithCache(cache))

	data, err := c.Get(context.Background(), "/v1/rooms")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"x": float64(1)}, data)

	req := tr.last()
	assert.Equal(t, "abc", req.Header.Get("if-none-match"))
	assert.Empty(t, req.Header.Get("if-modified-since"))

	got, err := cache.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, seeded, got)
	assert.Nil(t, c.RateLimit())
}

func TestClient_NotModifiedKeepsSnapshotUntouched(t *testing.T) {
	cache := NewMemoryCache()
	require.NoError(t, cache.Set(context.Background(), "https://api.gitter.im/x", CacheEntry{LastModified: "Mon, 02 Jan 2006 15:04:05 GMT", Body: "cached"}))

	tr := &fakeTransport{responses: []*Response{
		jsonResponse(http.StatusOK, `{}`,
			"x-ratelimit-limit", "100",
			"x-ratelimit-remaining", "5",
			"x-ratelimit-reset", "1700000000000"),
		{StatusCode: http.StatusNotModified, Header: rateHeader("100", "1", "1700000000000")},
	}}
	c := newTestClient(tr, WithCache(cache))

	_, err := c.Get(context.Background(), "/prime")
	require.NoError(t, err)

	data, err := c.Get(context.Background(), "/x")
	require.NoError(t, err)
	assert.Equal(t, "cached", data)
	assert.Equal(t, "Mon, 02 Jan 2006 15:04:05 GMT", tr.last().Header.Get("if-modified-since"))
	// 304 路径只有乐观扣减，没有用响应头更新
	assert.Equal(t, 4, c.RateLimit().Remaining)
}

func TestClient_CacheOverwrittenByNewETag(t *testing.T) {
	cache := NewMemoryCache()
	const key = "https://api.gitter.im/v1/rooms/r1"
	require.NoError(t, cache.Set(context.Background(), key, CacheEntry{ETag: `"v1"`, Body: "old"}))

	tr := &fakeTransport{responses: []*Response{
		jsonResponse(http.StatusOK, `{"name":"new"}`, "ETag", `"v2"`),
		{StatusCode: http.StatusNotModified, Header: http.Header{}},
	}}
	c := newTestClient(tr, WithCache(cache))
	ctx := context.Background()

	data, err := c.Get(ctx, "/v1/rooms/r1")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "new"}, data)
	assert.Equal(t, `"v1"`, tr.last().Header.Get("if-none-match"))

	entry, err := cache.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, `"v2"`, entry.ETag)

	data, err = c.Get(ctx, "/v1/rooms/r1")
	require.NoError(t, err)
	assert.Equal(t, `"v2"`, tr.last().Header.Get("if-none-match"))
	assert.Equal(t, map[string]any{"name": "new"}, data)
}

func TestClient_CallerMutationDoesNotLeakIntoCache(t *testing.T) {
	cache := NewMemoryCache()
	tr := &fakeTransport{responses: []*Response{
		jsonResponse(http.StatusOK, `{"name":"general","tags":["a"]}`, "ETag", `"v1"`),
		{StatusCode: http.StatusNotModified, Header: http.Header{}},
	}}
	c := newTestClient(tr, WithCache(cache))
	ctx := context.Background()

	data, err := c.Get(ctx, "/v1/rooms/r1")
	require.NoError(t, err)
	room := data.(map[string]any)
	room["name"] = "changed"
	room["tags"].([]any)[0] = "z"

	data, err = c.Get(ctx, "/v1/rooms/r1")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "general", "tags": []any{"a"}}, data)

	// 修改 304 返回的缓存副本同样不影响下一次
	data.(map[string]any)["name"] = "again"
	entry, err := cache.Get(ctx, "https://api.gitter.im/v1/rooms/r1")
	require.NoError(t, err)
	assert.Equal(t, "general", entry.Body.(map[string]any)["name"])
}

func TestMemoryCache_RejectsUnencodableBody(t *testing.T) {
	cache := NewMemoryCache()
	err := cache.Set(context.Background(), "k", CacheEntry{Body: make(chan int)})
	assert.Error(t, err)
	assert.Equal(t, 0, cache.Len())
}

func TestClient_NotCachedWithoutValidators(t *testing.T) {
	cache := NewMemoryCache()
	tr := &fakeTransport{responses: []*Response{jsonResponse(http.StatusOK, `{"a":1}`)}}
	c := newTestClient(tr, WithCache(cache))

	_, err := c.Get(context.Background(), "/x")
	require.NoError(t, err)
	assert.Equal(t, 0, cache.Len())
}

func TestClient_OnlyGETIsCacheable(t *testing.T) {
	cache := NewMemoryCache()
	require.NoError(t, cache.Set(context.Background(), "https://api.gitter.im/x", CacheEntry{ETag: "abc", Body: "cached"}))

	tr := &fakeTransport{responses: []*Response{
		jsonResponse(http.StatusOK, `{"ok":true}`, "ETag", "zzz"),
		jsonResponse(http.StatusNotModified, ``),
	}}
	c := newTestClient(tr, WithCache(cache))
	ctx := context.Background()

	_, err := c.Post(ctx, "/x", map[string]string{})
	require.NoError(t, err)
	assert.Empty(t, tr.last().Header.Get("if-none-match"))

	entry, err := cache.Get(ctx, "https://api.gitter.im/x")
	require.NoError(t, err)
	assert.Equal(t, "abc", entry.ETag)

	// DELETE 收到 304 时没有缓存兜底，按 3xx 错误处理
	_, err = c.Delete(ctx, "/x")
	var redirect *RedirectionError
	assert.ErrorAs(t, err, &redirect)
}

func TestClient_NotModifiedWithoutCacheIsRedirection(t *testing.T) {
	tr := &fakeTransport{responses: []*Response{{StatusCode: http.StatusNotModified, Header: http.Header{}}}}
	c := newTestClient(tr)

	_, err := c.Get(context.Background(), "/x")
	var redirect *RedirectionError
	require.ErrorAs(t, err, &redirect)
	assert.Equal(t, http.StatusNotModified, redirect.StatusCode)
}

type failingCache struct{}

func (failingCache) Get(context.Context, string) (CacheEntry, error) {
	return CacheEntry{}, errors.New("disk on fire")
}

func (failingCache) Set(context.Context, string, CacheEntry) error {
	return errors.New("disk on fire")
}

func TestClient_CacheFailuresAreNotFatal(t *testing.T) {
	tr := &fakeTransport{responses: []*Response{jsonResponse(http.StatusOK, `{"a":1}`, "ETag", "e")}}
	c := newTestClient(tr, WithCache(failingCache{}))

	data, err := c.Get(context.Background(), "/x")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": float64(1)}, data)
	assert.Empty(t, tr.last().Header.Get("if-none-match"))
}

func TestClient_ConcurrentUse(t *testing.T) {
	tr := &fakeTransport{}
	c := newTestClient(tr, WithCache(NewMemoryCache()))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = c.Get(context.Background(), fmt.Sprintf("/x/%d", i))
			_ = c.RateLimit()
		}(i)
	}
	wg.Wait()
	assert.Len(t, tr.requests, 20)
}

func TestClient_WithHTTPTransport(t *testing.T) {
	var gotAuth, gotType, gotLen string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotType = r.Header.Get("Content-Type")
		gotLen = strconv.FormatInt(r.ContentLength, 10)
		w.Header().Set("X-RateLimit-Limit", "100")
		w.Header().Set("X-RateLimit-Remaining", "98")
		w.Header().Set("X-RateLimit-Reset", "1700000000000")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"id":"m1","text":"hi"}`)
	}))
	defer srv.Close()

	c := New(NewHTTPTransport(srv.Client()), "feedrelay-test", "secret", WithBaseURL(srv.URL))
	msg, err := c.SendMessage(context.Background(), "room1", "hi")
	require.NoError(t, err)
	assert.Equal(t, "m1", msg.ID)
	assert.Equal(t, "hi", msg.Text)
	assert.Equal(t, "bearer secret", gotAuth)
	assert.Equal(t, "application/json; charset=utf-8", gotType)
	assert.Equal(t, "13", gotLen)
	assert.Equal(t, 98, c.RateLimit().Remaining)
}

func TestHTTPTransport_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := New(NewHTTPTransport(srv.Client()), "ua", "t", WithBaseURL(srv.URL))
	_, err := c.Get(ctx, "/slow")

	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.ErrorIs(t, err, context.Canceled)
}
