package gitter

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// Decipher 解读一次 API 响应。
//
// 状态码为 200、201、204 时返回解码后的响应体以及响应头中的配额快照（可能为 nil）；
// 其余状态码按 RateLimitExceeded、InvalidField、ClientError、ServerError、
// RedirectionError、HTTPError 分类返回错误。响应体不是合法 JSON 时返回包装了
// ErrDecode 的错误。
func Decipher(status int, header http.Header, body []byte) (any, *RateLimit, error) {
	data, err := decodeBody(body)
	if err != nil {
		return nil, nil, err
	}

	switch status {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		return data, RateLimitFromHeader(header), nil
	}

	message := messageOf(data)
	base := HTTPError{StatusCode: status, Message: message}

	switch {
	case status >= 500:
		return nil, nil, &ServerError{base}
	case status >= 400:
		if status == http.StatusForbidden {
			if rl := RateLimitFromHeader(header); rl != nil && rl.Remaining <= 0 {
				return nil, nil, newRateLimitExceeded(rl, message)
			}
		}
		if status == http.StatusUnprocessableEntity {
			return nil, nil, invalidField(data, message)
		}
		return nil, nil, &ClientError{base}
	case status >= 300:
		return nil, nil, &RedirectionError{base}
	default:
		return nil, nil, &base
	}
}

// decodeBody 解码 JSON 响应体，空响应体（例如 204）视为 null。
func decodeBody(body []byte) (any, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}
	var data any
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return data, nil
}

func messageOf(data any) string {
	obj, ok := data.(map[string]any)
	if !ok {
		return ""
	}
	msg, _ := obj["message"].(string)
	return msg
}

// invalidField 把 422 响应体里的 errors 列表拼进错误信息，
// 形如 "Validation Failed for 'name', 'email'"。
func invalidField(data any, message string) *InvalidField {
	var fieldErrs []FieldError
	if obj, ok := data.(map[string]any); ok {
		if raw, ok := obj["errors"].([]any); ok && len(raw) > 0 {
			fieldErrs = toFieldErrors(raw)
		}
	}

	if len(fieldErrs) > 0 {
		quoted := make([]string, 0, len(fieldErrs))
		for _, fe := range fieldErrs {
			quoted = append(quoted, "'"+fe.Field+"'")
		}
		if message == "" {
			message = http.StatusText(http.StatusUnprocessableEntity)
		}
		message = fmt.Sprintf("%s for %s", message, strings.Join(quoted, ", "))
	}

	return &InvalidField{
		ClientError: ClientError{HTTPError{StatusCode: http.StatusUnprocessableEntity, Message: message}},
		Errors:      fieldErrs,
	}
}

func toFieldErrors(raw []any) []FieldError {
	out := make([]FieldError, 0, len(raw))
	for _, item := range raw {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		var fe FieldError
		fe.Resource, _ = obj["resource"].(string)
		fe.Field, _ = obj["field"].(string)
		fe.Code, _ = obj["code"].(string)
		fe.Message, _ = obj["message"].(string)
		out = append(out, fe)
	}
	return out
}
