// Package chatsync keeps a local, eventually consistent view of chat
// channels, messages, users and reactions in sync with a chat server.
//
// The Engine reconciles realtime events and optimistic local writes into a
// Repository and publishes sorted channel lists and global aggregates.
//
// Example:
//
//	client := chatsync.NewClient(token, chatsync.WithBaseURL("https://chat.example.com"))
//	repo, _ := chatsync.OpenPebbleRepository("/var/lib/chat")
//	engine := chatsync.NewEngine(me, repo, chatsync.WithAPI(client))
//
//	state, _ := engine.QueryChannels(ctx, chatsync.QueryChannelsRequest{Limit: 30, Watch: true})
//	updates, cancel := state.ChannelsState().Subscribe()
//	defer cancel()
//
//	rt := chatsync.NewRealtimeClient(client.WSURL(), engine, &chatsync.RealtimeConfig{})
//	rt.Connect(ctx)
package chatsync

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

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultBaseURL = "http://localhost:3030"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// ChatAPI
// ============================================================================

// ChatAPI is the network side of the engine.
type ChatAPI interface {
	QueryChannels(ctx context.Context, req QueryChannelsRequest) ([]Channel, error)
	QueryChannel(ctx context.Context, cid string, watch bool) (Channel, error)
	SendMessage(ctx context.Context, msg Message) (Message, error)
	SendReaction(ctx context.Context, r Reaction, enforceUnique bool) (Reaction, Message, error)
	DeleteReaction(ctx context.Context, messageID, reactionType string) (Message, error)
	MarkRead(ctx context.Context, cid, messageID string) error
	SendTypingEvent(ctx context.Context, cid, eventType, parentID string) error
	// UploadFile uploads att.LocalPath and returns the file URL.
	UploadFile(ctx context.Context, cid string, att Attachment, onProgress func(uploaded, total int64)) (string, error)
	// SyncHistory returns the events of cids since the given time.
	SyncHistory(ctx context.Context, cids []string, since time.Time) ([]ChatEvent, error)
}

// ============================================================================
// Client
// ============================================================================

// Client is the HTTP implementation of ChatAPI.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

var _ ChatAPI = (*Client)(nil)

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a client authenticated with token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the auth token, e.g. after a refresh.
func (c *Client) SetToken(token string) {
	c.token = token
}

// WSURL returns the realtime websocket URL.
func (c *Client) WSURL() string {
	base := strings.Replace(c.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	if c.token != "" {
		return base + "/connect?token=" + url.QueryEscape(c.token)
	}
	return base + "/connect"
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body any, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.setAuthHeaders(req)
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		c.logger.Debug("api_request_failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
		)
		return nil, decodeAPIError(resp.StatusCode, data)
	}
	return data, nil
}

func (c *Client) setAuthHeaders(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func decodeAPIError(status int, data []byte) error {
	apiErr := &APIError{StatusCode: status}
	if err := json.Unmarshal(data, apiErr); err != nil || apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(data))
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(status)
		}
	}
	return apiErr
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

func channelPath(cid, suffix string) (string, error) {
	typ, id, err := SplitCID(cid)
	if err != nil {
		return "", err
	}
	return "/channels/" + url.PathEscape(typ) + "/" + url.PathEscape(id) + suffix, nil
}

// ============================================================================
// Channels
// ============================================================================

type channelsResponse struct {
	Channels []Channel `json:"channels"`
}

type channelResponse struct {
	Channel Channel `json:"channel"`
}

func (c *Client) QueryChannels(ctx context.Context, req QueryChannelsRequest) ([]Channel, error) {
	data, err := c.doRequest(ctx, http.MethodPost, "/channels", req, nil)
	if err != nil {
		return nil, err
	}
	res, err := decodeJSON[channelsResponse](data)
	if err != nil {
		return nil, err
	}
	return res.Channels, nil
}

func (c *Client) QueryChannel(ctx context.Context, cid string, watch bool) (Channel, error) {
	path, err := channelPath(cid, "/query")
	if err != nil {
		return Channel{}, err
	}
	data, err := c.doRequest(ctx, http.MethodPost, path, map[string]any{"watch": watch, "state": true}, nil)
	if err != nil {
		return Channel{}, err
	}
	res, err := decodeJSON[channelResponse](data)
	if err != nil {
		return Channel{}, err
	}
	return res.Channel, nil
}

// ============================================================================
// Messages and reactions
// ============================================================================

type messageResponse struct {
	Message Message `json:"message"`
}

type reactionResponse struct {
	Reaction Reaction `json:"reaction"`
	Message  Message  `json:"message"`
}

func (c *Client) SendMessage(ctx context.Context, msg Message) (Message, error) {
	path, err := channelPath(msg.CID, "/message")
	if err != nil {
		return Message{}, err
	}
	data, err := c.doRequest(ctx, http.MethodPost, path, map[string]any{"message": msg}, nil)
	if err != nil {
		return Message{}, err
	}
	res, err := decodeJSON[messageResponse](data)
	if err != nil {
		return Message{}, err
	}
	return res.Message, nil
}

func (c *Client) SendReaction(ctx context.Context, r Reaction, enforceUnique bool) (Reaction, Message, error) {
	payload := map[string]any{"reaction": r, "enforceUnique": enforceUnique}
	data, err := c.doRequest(ctx, http.MethodPost, "/messages/"+url.PathEscape(r.MessageID)+"/reaction", payload, nil)
	if err != nil {
		return Reaction{}, Message{}, err
	}
	res, err := decodeJSON[reactionResponse](data)
	if err != nil {
		return Reaction{}, Message{}, err
	}
	return res.Reaction, res.Message, nil
}

func (c *Client) DeleteReaction(ctx context.Context, messageID, reactionType string) (Message, error) {
	path := "/messages/" + url.PathEscape(messageID) + "/reaction/" + url.PathEscape(reactionType)
	data, err := c.doRequest(ctx, http.MethodDelete, path, nil, nil)
	if err != nil {
		return Message{}, err
	}
	res, err := decodeJSON[messageResponse](data)
	if err != nil {
		return Message{}, err
	}
	return res.Message, nil
}

// ============================================================================
// Reads and typing
// ============================================================================

func (c *Client) MarkRead(ctx context.Context, cid, messageID string) error {
	path, err := channelPath(cid, "/read")
	if err != nil {
		return err
	}
	var body map[string]any
	if messageID != "" {
		body = map[string]any{"messageId": messageID}
	}
	_, err = c.doRequest(ctx, http.MethodPost, path, body, nil)
	return err
}

func (c *Client) SendTypingEvent(ctx context.Context, cid, eventType, parentID string) error {
	path, err := channelPath(cid, "/event")
	if err != nil {
		return err
	}
	event := map[string]any{"type": eventType}
	if parentID != "" {
		event["parentId"] = parentID
	}
	_, err = c.doRequest(ctx, http.MethodPost, path, map[string]any{"event": event}, nil)
	return err
}

// ============================================================================
// Sync
// ============================================================================

type syncResponse struct {
	Events []json.RawMessage `json:"events"`
}

// SyncHistory decodes the backlog in server order. Events of unknown types
// decode to UnknownEvent; undecodable frames are skipped and logged.
func (c *Client) SyncHistory(ctx context.Context, cids []string, since time.Time) ([]ChatEvent, error) {
	payload := map[string]any{"channelCids": cids, "lastSyncAt": since.UTC().Format(time.RFC3339Nano)}
	data, err := c.doRequest(ctx, http.MethodPost, "/sync", payload, nil)
	if err != nil {
		return nil, err
	}
	res, err := decodeJSON[syncResponse](data)
	if err != nil {
		return nil, err
	}
	events := make([]ChatEvent, 0, len(res.Events))
	for _, raw := range res.Events {
		ev, err := DecodeEvent(raw)
		if err != nil {
			c.logger.Warn("sync_event_decode_failed", zap.Error(err))
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// ============================================================================
// Files
// ============================================================================

// MaxUploadSize is the largest attachment UploadFile accepts.
const MaxUploadSize = 100 * 1024 * 1024

type fileResponse struct {
	File     string `json:"file"`
	ThumbURL string `json:"thumbUrl,omitempty"`
}

// UploadFile posts the attachment's local file as multipart form data.
func (c *Client) UploadFile(ctx context.Context, cid string, att Attachment, onProgress func(uploaded, total int64)) (string, error) {
	if att.LocalPath == "" {
		return "", errors.New("attachment has no local file")
	}
	data, err := os.ReadFile(att.LocalPath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	if len(data) > MaxUploadSize {
		return "", fmt.Errorf("file exceeds maximum size of %d bytes", MaxUploadSize)
	}
	fileName := att.Name
	if fileName == "" {
		fileName = filepath.Base(att.LocalPath)
	}
	mimeType := att.MimeType
	if mimeType == "" {
		mimeType = guessMimeType(fileName)
	}

	suffix := "/file"
	if strings.HasPrefix(mimeType, "image/") {
		suffix = "/image"
	}
	path, err := channelPath(cid, suffix)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	_ = w.WriteField("mimeType", mimeType)
	part, err := w.CreateFormFile("file", fileName)
	if err != nil {
		return "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("failed to write file data: %w", err)
	}
	_ = w.Close()

	total := int64(buf.Len())
	body := &progressReader{r: bytes.NewReader(buf.Bytes()), total: total, onProgress: onProgress}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return "", fmt.Errorf("failed to create upload request: %w", err)
	}
	req.ContentLength = total
	req.Header.Set("Content-Type", w.FormDataContentType())
	c.setAuthHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return "", decodeAPIError(resp.StatusCode, respBody)
	}
	res, err := decodeJSON[fileResponse](respBody)
	if err != nil {
		return "", err
	}
	if res.File == "" {
		return "", errors.New("upload response has no file url")
	}
	return res.File, nil
}

// progressReader reports how much of the body has been read.
type progressReader struct {
	r          io.Reader
	read       int64
	total      int64
	onProgress func(int64, int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.read += int64(n)
		if p.onProgress != nil {
			p.onProgress(p.read, p.total)
		}
	}
	return n, err
}

// guessMimeType returns MIME type from file extension.
func guessMimeType(fileName string) string {
	ext := filepath.Ext(fileName)
	if ext == "" {
		return "application/octet-stream"
	}
	// Fallback for types not in Go's builtin registry
	fallback := map[string]string{
		".md": "text/markdown", ".yaml": "text/yaml", ".yml": "text/yaml",
		".webp": "image/webp", ".webm": "video/webm",
	}
	if m, ok := fallback[ext]; ok {
		return m
	}
	t := mime.TypeByExtension(ext)
	if t != "" {
		if idx := strings.Index(t, ";"); idx > 0 {
			t = strings.TrimSpace(t[:idx])
		}
		return t
	}
	return "application/octet-stream"
}
