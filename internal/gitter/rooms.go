package gitter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"
)

// Room 是 Gitter 聊天室。
type Room struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Topic     string `json:"topic"`
	URI       string `json:"uri"`
	URL       string `json:"url"`
	UserCount int    `json:"userCount"`
}

// User 是消息的发送者。
type User struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
}

// Message 是一条聊天消息。
type Message struct {
	ID       string    `json:"id"`
	Text     string    `json:"text"`
	HTML     string    `json:"html"`
	Sent     time.Time `json:"sent"`
	FromUser User      `json:"fromUser"`
}

type sendMessageRequest struct {
	Text string `json:"text"`
}

// SendMessage 向聊天室发送一条消息。
func (c *Client) SendMessage(ctx context.Context, roomID, text string) (*Message, error) {
	data, err := c.Post(ctx, roomPath(roomID)+"/chatMessages", sendMessageRequest{Text: text})
	if err != nil {
		return nil, err
	}
	var msg Message
	if err := convert(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Rooms 列出当前 token 可见的聊天室。
func (c *Client) Rooms(ctx context.Context) ([]Room, error) {
	data, err := c.Get(ctx, "/v1/rooms")
	if err != nil {
		return nil, err
	}
	var rooms []Room
	if err := convert(data, &rooms); err != nil {
		return nil, err
	}
	return rooms, nil
}

// Room 获取单个聊天室。
func (c *Client) Room(ctx context.Context, roomID string) (*Room, error) {
	data, err := c.Get(ctx, roomPath(roomID))
	if err != nil {
		return nil, err
	}
	var room Room
	if err := convert(data, &room); err != nil {
		return nil, err
	}
	return &room, nil
}

func roomPath(roomID string) string {
	return "/v1/rooms/" + url.PathEscape(roomID)
}

// convert 把解码后的通用 JSON 值转换为具体结构体。
func convert(data any, out any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("转换响应失败: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return nil
}
