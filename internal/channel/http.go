package channel

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

func post(ctx context.Context, hc *http.Client, url string, body []byte, headers map[string]string) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("%w: POST %s: %w", ErrTransport, req.URL.Path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("%w: read %s: %w", ErrTransport, req.URL.Path, err)
	}

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	if success := gjson.GetBytes(respBody, "success"); success.Exists() && !success.Bool() {
		ok = false
	}
	return Result{OK: ok, Request: asJSON(body), Response: asJSON(respBody)}, nil
}

func get(ctx context.Context, hc *http.Client, url string, headers map[string]string) ([]byte, string, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", 0, fmt.Errorf("build request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, "", 0, fmt.Errorf("%w: GET %s: %w", ErrTransport, req.URL.Path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", resp.StatusCode, fmt.Errorf("%w: read %s: %w", ErrTransport, req.URL.Path, err)
	}
	return data, resp.Header.Get("Content-Type"), resp.StatusCode, nil
}

func asJSON(b []byte) json.RawMessage {
	if len(bytes.TrimSpace(b)) > 0 && gjson.ValidBytes(b) {
		return json.RawMessage(b)
	}
	quoted, _ := json.Marshal(string(b))
	return quoted
}

// decodeDataURL splits "data:<mime>;base64,<payload>" into bytes and mime type.
// A bare base64 string is accepted too.
func decodeDataURL(s string) ([]byte, string, error) {
	mimeType := ""
	payload := s
	if strings.HasPrefix(s, "data:") {
		head, rest, found := strings.Cut(s, ",")
		if !found {
			return nil, "", fmt.Errorf("malformed data url")
		}
		payload = rest
		mimeType = strings.TrimSuffix(strings.TrimPrefix(head, "data:"), ";base64")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", fmt.Errorf("decode base64: %w", err)
	}
	return data, mimeType, nil
}

func dataURL(data []byte, mimeType string) string {
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// FilenameFor returns name, or a name derived from the id and mime type.
func FilenameFor(name, id, mimeType string) string {
	if name != "" {
		return name
	}
	ext := ""
	if exts, err := mime.ExtensionsByType(mimeType); err == nil && len(exts) > 0 {
		ext = exts[0]
	}
	return id + ext
}
