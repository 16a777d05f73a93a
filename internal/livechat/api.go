package livechat

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"strings"
)

// CustomField is a visitor custom field.
type CustomField struct {
	Key       string `json:"key"`
	Value     string `json:"value"`
	Overwrite bool   `json:"overwrite"`
}

// Visitor is the registration payload for a livechat visitor.
type Visitor struct {
	Username     string        `json:"username"`
	Token        string        `json:"token"`
	Phone        string        `json:"phone,omitempty"`
	Name         string        `json:"name,omitempty"`
	Department   string        `json:"department,omitempty"`
	CustomFields []CustomField `json:"customFields,omitempty"`
}

// LivechatMessage is a message posted on behalf of a visitor.
type LivechatMessage struct {
	Token string `json:"token"`
	RID   string `json:"rid"`
	Msg   string `json:"msg"`
	ID    string `json:"_id,omitempty"`
}

// PostMessage is a chat.postMessage payload. Set either Channel or RoomID.
type PostMessage struct {
	Channel string `json:"channel,omitempty"`
	RoomID  string `json:"roomId,omitempty"`
	Text    string `json:"text"`
	Alias   string `json:"alias,omitempty"`
}

// Upload describes a file staged on disk for a livechat upload.
type Upload struct {
	Path        string
	Filename    string
	MimeType    string
	Description string
}

// RegisterVisitor creates or updates a visitor.
func (c *Client) RegisterVisitor(ctx context.Context, v Visitor) (*Response, error) {
	return c.postJSON(ctx, "livechat/visitor", map[string]any{"visitor": v})
}

// LivechatRoom gets or creates the visitor's livechat room.
func (c *Client) LivechatRoom(ctx context.Context, token string) (*Response, error) {
	return c.get(ctx, "livechat/room", url.Values{"token": {token}})
}

// SendLivechatMessage posts a visitor message into a livechat room.
func (c *Client) SendLivechatMessage(ctx context.Context, m LivechatMessage) (*Response, error) {
	return c.postJSON(ctx, "livechat/message", m)
}

// PostMessage posts to a channel or room as the client user.
func (c *Client) PostMessage(ctx context.Context, m PostMessage) (*Response, error) {
	return c.postJSON(ctx, "chat.postMessage", m)
}

// SendRoomMessage sends a message into a room as the client user.
func (c *Client) SendRoomMessage(ctx context.Context, rid, msg string) (*Response, error) {
	return c.postJSON(ctx, "chat.sendMessage", map[string]any{
		"message": map[string]string{"rid": rid, "msg": msg},
	})
}

// ListOpenRooms lists the open livechat rooms.
func (c *Client) ListOpenRooms(ctx context.Context) (*Response, error) {
	return c.get(ctx, "livechat/rooms", url.Values{"open": {"true"}})
}

// GetDepartment fetches a livechat department.
func (c *Client) GetDepartment(ctx context.Context, id string) (*Response, error) {
	return c.get(ctx, "livechat/department/"+url.PathEscape(id), nil)
}

// TransferRoom forwards a livechat room to a department.
func (c *Client) TransferRoom(ctx context.Context, rid, token, department string) (*Response, error) {
	return c.postJSON(ctx, "livechat/room.transfer", map[string]string{
		"rid":        rid,
		"token":      token,
		"department": department,
	})
}

// CreateDirectMessage opens a direct message room with the given users.
func (c *Client) CreateDirectMessage(ctx context.Context, usernames ...string) (*Response, error) {
	if len(usernames) == 1 {
		return c.postJSON(ctx, "im.create", map[string]string{"username": usernames[0]})
	}
	return c.postJSON(ctx, "im.create", map[string]string{"usernames": strings.Join(usernames, ",")})
}

// RoomInfo looks a room up by name.
func (c *Client) RoomInfo(ctx context.Context, roomName string) (*Response, error) {
	return c.get(ctx, "rooms.info", url.Values{"roomName": {strings.TrimPrefix(roomName, "#")}})
}

// UploadFile uploads a staged file into a livechat room on behalf of a visitor.
func (c *Client) UploadFile(ctx context.Context, rid, visitorToken string, up Upload) (*Response, error) {
	f, err := os.Open(up.Path)
	if err != nil {
		return nil, fmt.Errorf("open staged file: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, up.Filename))
	if up.MimeType != "" {
		header.Set("Content-Type", up.MimeType)
	}
	part, err := mw.CreatePart(header)
	if err != nil {
		return nil, fmt.Errorf("create file part: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, fmt.Errorf("copy file part: %w", err)
	}
	if up.Description != "" {
		if err := mw.WriteField("description", up.Description); err != nil {
			return nil, fmt.Errorf("write description: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("livechat/upload/"+url.PathEscape(rid)), &buf)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("x-visitor-token", visitorToken)
	return c.do(req)
}

// Download fetches a file served by the backend, e.g. an attachment title_link.
// Absolute URLs are used as is, paths are resolved against the base URL.
func (c *Client) Download(ctx context.Context, link string) ([]byte, string, error) {
	target := link
	if !strings.HasPrefix(link, "http://") && !strings.HasPrefix(link, "https://") {
		target = c.baseURL + "/" + strings.TrimLeft(link, "/")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	if c.creds.UserID != "" {
		req.Header.Set("X-User-Id", c.creds.UserID)
		req.Header.Set("X-Auth-Token", c.creds.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%w: GET %s: %w", ErrTransport, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("download %s: status %d", req.URL.Path, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("%w: read %s: %w", ErrTransport, req.URL.Path, err)
	}
	return data, resp.Header.Get("Content-Type"), nil
}
