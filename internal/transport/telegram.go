package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"relay-backend/internal/config"
	"relay-backend/internal/utils"
	"relay-backend/pkg/logger"
)

const (
	// TelegramPrefix marks conversation keys that belong to Telegram chats.
	TelegramPrefix = "tg:"

	defaultTelegramURL = "https://api.telegram.org"
	pollRetryDelay     = 3 * time.Second
)

var ErrInvalidKey = errors.New("transport: conversation key does not name a chat")

// TelegramKey is the conversation key of a chat.
func TelegramKey(chatID int64) string {
	return TelegramPrefix + strconv.FormatInt(chatID, 10)
}

// ParseTelegramKey returns the chat id encoded in key.
func ParseTelegramKey(key string) (int64, error) {
	raw, ok := strings.CutPrefix(key, TelegramPrefix)
	if !ok {
		return 0, fmt.Errorf("%q: %w", key, ErrInvalidKey)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%q: %w", key, ErrInvalidKey)
	}
	return id, nil
}

// Telegram talks to the Bot API.
type Telegram struct {
	baseURL     string
	token       string
	client      *http.Client
	pollTimeout time.Duration
	allowed     map[int64]bool
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
}

type apiMessage struct {
	MessageID int64 `json:"message_id"`
	Chat      struct {
		ID int64 `json:"id"`
	} `json:"chat"`
	Text string `json:"text"`
}

type apiUpdate struct {
	UpdateID int64       `json:"update_id"`
	Message  *apiMessage `json:"message"`
}

// APIError is a request the Bot API refused.
type APIError struct {
	Method      string
	Code        int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s: %d %s", e.Method, e.Code, e.Description)
}

func NewTelegram(cfg config.TelegramConfig) *Telegram {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultTelegramURL
	}

	allowed := make(map[int64]bool, len(cfg.AllowedChatIDs))
	for _, id := range cfg.AllowedChatIDs {
		allowed[id] = true
	}

	return &Telegram{
		baseURL:     baseURL,
		token:       cfg.BotToken,
		client:      utils.NewHTTPClient(cfg.PollTimeout + 30*time.Second),
		pollTimeout: cfg.PollTimeout,
		allowed:     allowed,
	}
}

func (t *Telegram) Send(ctx context.Context, key, text string, mode ParseMode) (MessageID, error) {
	chatID, err := ParseTelegramKey(key)
	if err != nil {
		return "", err
	}

	params := map[string]any{"chat_id": chatID, "text": text}
	if mode != ModePlain {
		params["parse_mode"] = string(mode)
	}

	var msg apiMessage
	if err := t.call(ctx, "sendMessage", params, &msg); err != nil {
		return "", err
	}
	return MessageID(strconv.FormatInt(msg.MessageID, 10)), nil
}

func (t *Telegram) Edit(ctx context.Context, key string, id MessageID, text string, mode ParseMode) error {
	chatID, err := ParseTelegramKey(key)
	if err != nil {
		return err
	}

	msgID, err := strconv.ParseInt(string(id), 10, 64)
	if err != nil {
		return fmt.Errorf("message id %q: %w", id, ErrMessageNotFound)
	}

	params := map[string]any{"chat_id": chatID, "message_id": msgID, "text": text}
	if mode != ModePlain {
		params["parse_mode"] = string(mode)
	}
	return t.call(ctx, "editMessageText", params, nil)
}

func (t *Telegram) Delete(ctx context.Context, key string, id MessageID) error {
	chatID, err := ParseTelegramKey(key)
	if err != nil {
		return err
	}
	msgID, err := strconv.ParseInt(string(id), 10, 64)
	if err != nil {
		return fmt.Errorf("message id %q: %w", id, ErrMessageNotFound)
	}
	return t.call(ctx, "deleteMessage", map[string]any{"chat_id": chatID, "message_id": msgID}, nil)
}

// Poll long-polls getUpdates and hands every text message from an allowed
// chat to handle. It returns when ctx is done.
func (t *Telegram) Poll(ctx context.Context, handle func(key, text string)) error {
	var offset int64
	logger.Infof("Telegram poller started")

	for {
		var updates []apiUpdate
		err := t.call(ctx, "getUpdates", map[string]any{
			"offset":          offset,
			"timeout":         int(t.pollTimeout / time.Second),
			"allowed_updates": []string{"message"},
		}, &updates)

		if ctx.Err() != nil {
			logger.Infof("Telegram poller stopped")
			return nil
		}
		if err != nil {
			logger.Warnf("getUpdates failed, retrying in %v: %v", pollRetryDelay, err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(pollRetryDelay):
			}
			continue
		}

		for _, u := range updates {
			offset = u.UpdateID + 1
			if u.Message == nil || strings.TrimSpace(u.Message.Text) == "" {
				continue
			}
			if len(t.allowed) > 0 && !t.allowed[u.Message.Chat.ID] {
				logger.Warnf("Ignoring message from chat %d: not allowed", u.Message.Chat.ID)
				continue
			}
			handle(TelegramKey(u.Message.Chat.ID), u.Message.Text)
		}
	}
}

func (t *Telegram) call(ctx context.Context, method string, params any, out any) error {
	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal %s params: %w", method, err)
	}

	endpoint := fmt.Sprintf("%s/bot%s/%s", t.baseURL, t.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", method, t.redact(err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, t.redact(err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s response: %w", method, err)
	}

	var r apiResponse
	if err := json.Unmarshal(data, &r); err != nil {
		return fmt.Errorf("decode %s response (status %d): %w", method, resp.StatusCode, err)
	}
	if !r.OK {
		return classify(&APIError{Method: method, Code: r.ErrorCode, Description: r.Description})
	}

	if out != nil && len(r.Result) > 0 {
		if err := json.Unmarshal(r.Result, out); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
	}
	return nil
}

// redact strips the bot token from the request URL carried by err; net/http
// puts the full URL in every transport error.
func (t *Telegram) redact(err error) error {
	var urlErr *url.Error
	if t.token == "" || !errors.As(err, &urlErr) {
		return err
	}
	return &url.Error{
		Op:  urlErr.Op,
		URL: strings.ReplaceAll(urlErr.URL, t.token, "<redacted>"),
		Err: urlErr.Err,
	}
}

// classify maps Bot API descriptions onto the transport sentinels.
func classify(e *APIError) error {
	desc := strings.ToLower(e.Description)
	switch {
	case strings.Contains(desc, "can't parse entities"), strings.Contains(desc, "unsupported start tag"):
		return errors.Join(e, ErrBadMarkup)
	case strings.Contains(desc, "message is too long"), strings.Contains(desc, "text is too long"):
		return errors.Join(e, ErrTooLong)
	case strings.Contains(desc, "message is not modified"):
		return errors.Join(e, ErrNotModified)
	case strings.Contains(desc, "message to edit not found"), strings.Contains(desc, "message to delete not found"):
		return errors.Join(e, ErrMessageNotFound)
	}
	return e
}
