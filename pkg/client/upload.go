package client

import (
	"context"
	"encoding/base64"
	"fmt"
	"mime"
	"path/filepath"

	"github.com/lightforgemedia/go-wslink/pkg/envelope"
)

// TagSendMessage is the server's chat message type.
const TagSendMessage = "sendMessage"

// FileInfo describes an attachment in a chat message.
type FileInfo struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	Type string `json:"type"`
}

// Upload sends file over the socket and waits for the URL the server stored it at.
func (c *Client) Upload(ctx context.Context, file []byte, kind string) (string, error) {
	id := envelope.GenerateID()
	env, err := envelope.Upload(base64.StdEncoding.EncodeToString(file), kind, id)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	resp, err := c.roundTrip(ctx, env, id)
	if err != nil {
		return "", err
	}
	var result envelope.UploadResult
	if err := resp.DecodeData(&result); err != nil {
		return "", fmt.Errorf("%w: upload response: %v", ErrProtocol, err)
	}
	if result.URL == "" {
		return "", fmt.Errorf("%w: upload response %s carries no url", ErrProtocol, id)
	}
	return result.URL, nil
}

// UploadFile reads path with the configured file reader and uploads it.
func (c *Client) UploadFile(ctx context.Context, path, kind string) (string, error) {
	data, err := c.cfg.readFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return c.Upload(ctx, data, kind)
}

// SendMessage sends a chat message to a user. kind is the content type, e.g. "text".
func (c *Client) SendMessage(to, content, kind string) error {
	env, err := chatMessage(to, content, kind, nil)
	if err != nil {
		return err
	}
	return c.Send(env)
}

// SendAttachment uploads path and sends its URL to a user as a chat message.
func (c *Client) SendAttachment(ctx context.Context, to, path, kind string) (string, error) {
	data, err := c.cfg.readFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	url, err := c.Upload(ctx, data, kind)
	if err != nil {
		return "", err
	}
	info := &FileInfo{
		Name: filepath.Base(path),
		Size: int64(len(data)),
		Type: mime.TypeByExtension(filepath.Ext(path)),
	}
	env, err := chatMessage(to, url, kind, info)
	if err != nil {
		return "", err
	}
	return url, c.Send(env)
}

func chatMessage(to, content, kind string, info *FileInfo) (*envelope.Envelope, error) {
	env := &envelope.Envelope{BizType: TagSendMessage}
	fields := map[string]interface{}{
		"to_userid": to,
		"content":   content,
		"type":      kind,
	}
	if info != nil {
		fields["fileInfo"] = info
	}
	for k, v := range fields {
		if err := env.Set(k, v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
		}
	}
	return env, nil
}
