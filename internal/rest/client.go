// Package rest talks to the chat service's HTTP collaborator endpoints.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/matheus3301/gochat/internal/frame"
)

// ErrTooLarge is returned by Upload for files over the client's limit.
var ErrTooLarge = errors.New("file too large")

// StatusError is a non-2xx response.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.Code)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// Client is safe for concurrent use.
type Client struct {
	base     string
	http     *http.Client
	maxBytes int64
}

// New creates a client for the REST API rooted at baseURL. maxBytes caps
// uploads; zero means no cap.
func New(baseURL string, maxBytes int64) *Client {
	return &Client{
		base:     strings.TrimRight(baseURL, "/"),
		http:     &http.Client{Timeout: 30 * time.Second},
		maxBytes: maxBytes,
	}
}

// Login exchanges credentials for an access token.
func (c *Client) Login(ctx context.Context, username, password string) (string, error) {
	form := url.Values{"username": {username}, "password": {password}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/auth/login", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var out struct {
		AccessToken string `json:"access_token"`
	}
	if err := c.do(req, &out); err != nil {
		return "", err
	}
	if out.AccessToken == "" {
		return "", errors.New("login: response has no access_token")
	}
	return out.AccessToken, nil
}

// Upload posts the file at path and returns the attachment describing it.
// The size check happens before any connection is made.
func (c *Client) Upload(ctx context.Context, path, username string) (frame.Attachment, error) {
	f, err := os.Open(path)
	if err != nil {
		return frame.Attachment{}, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return frame.Attachment{}, err
	}
	if c.maxBytes > 0 && info.Size() > c.maxBytes {
		return frame.Attachment{}, fmt.Errorf("%s is %d bytes: %w", path, info.Size(), ErrTooLarge)
	}

	name := filepath.Base(path)
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if err := w.WriteField("username", username); err != nil {
		return frame.Attachment{}, err
	}
	part, err := w.CreateFormFile("file", name)
	if err != nil {
		return frame.Attachment{}, err
	}
	if _, err := io.Copy(part, f); err != nil {
		return frame.Attachment{}, fmt.Errorf("read %s: %w", path, err)
	}
	if err := w.Close(); err != nil {
		return frame.Attachment{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/upload", &body)
	if err != nil {
		return frame.Attachment{}, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	var out struct {
		FilePath string `json:"filePath"`
	}
	if err := c.do(req, &out); err != nil {
		return frame.Attachment{}, err
	}
	att := frame.Attachment{
		FileName: name,
		FileSize: info.Size(),
		FileType: mime.TypeByExtension(filepath.Ext(name)),
		FilePath: out.FilePath,
	}
	if att.FilePath == "" {
		att.FilePath = name
	}
	return att, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &StatusError{Method: req.Method, Path: req.URL.Path, Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", req.Method, req.URL.Path, err)
	}
	return nil
}
