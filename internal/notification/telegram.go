package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"futures-signal-engine/internal/ports"
)

// DefaultTelegramBaseURL is the production Bot API endpoint.
const DefaultTelegramBaseURL = "https://api.telegram.org"

// TelegramConfig holds Bot API settings. ChatIDs maps engine user IDs to
// Telegram chat IDs.
type TelegramConfig struct {
	BotToken string            `json:"bot_token"`
	BaseURL  string            `json:"base_url"`
	Timeout  time.Duration     `json:"timeout"`
	ChatIDs  map[string]string `json:"chat_ids"`
}

// DefaultTelegramConfig returns production Bot API settings without
// credentials.
func DefaultTelegramConfig() TelegramConfig {
	return TelegramConfig{
		BaseURL: DefaultTelegramBaseURL,
		Timeout: 10 * time.Second,
		ChatIDs: make(map[string]string),
	}
}

// Telegram delivers signals and lifecycle edits over the Bot API. It
// implements the notification port: sendMessage on Emit, editMessageText on
// Update. Message refs encode "chatID:messageID" so edits need no lookup.
type Telegram struct {
	cfg    TelegramConfig
	client *http.Client
	logger zerolog.Logger
}

// NewTelegram creates the adapter
func NewTelegram(cfg TelegramConfig, logger zerolog.Logger) *Telegram {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultTelegramBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Telegram{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With().Str("component", "telegram").Logger(),
	}
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
	Result      struct {
		MessageID int64 `json:"message_id"`
	} `json:"result"`
	Parameters struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// Emit sends a rendered signal to the user's chat and returns a ref for
// later edits.
func (t *Telegram) Emit(ctx context.Context, userID string, sig ports.RenderedSignal) (ports.MessageRef, error) {
	chatID, ok := t.cfg.ChatIDs[userID]
	if !ok {
		return "", fmt.Errorf("no chat mapped for user %s: %w", userID, ports.ErrDeliveryFailed)
	}

	resp, err := t.call(ctx, "sendMessage", map[string]interface{}{
		"chat_id":    chatID,
		"text":       sig.Text,
		"parse_mode": "Markdown",
	})
	if err != nil {
		return "", err
	}
	return ports.MessageRef(chatID + ":" + strconv.FormatInt(resp.Result.MessageID, 10)), nil
}

// Update edits a previously delivered message in place.
func (t *Telegram) Update(ctx context.Context, ref ports.MessageRef, patch ports.UpdatePatch) error {
	chatID, messageID, err := splitRef(ref)
	if err != nil {
		return err
	}

	_, err = t.call(ctx, "editMessageText", map[string]interface{}{
		"chat_id":    chatID,
		"message_id": messageID,
		"text":       patch.Text,
		"parse_mode": "Markdown",
	})
	// Editing with identical text is a Bot API 400; the message already
	// shows what we wanted.
	if err != nil && strings.Contains(err.Error(), "message is not modified") {
		return nil
	}
	return err
}

func (t *Telegram) call(ctx context.Context, method string, payload map[string]interface{}) (*telegramResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", method, err)
	}

	url := fmt.Sprintf("%s/bot%s/%s", t.cfg.BaseURL, t.cfg.BotToken, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("telegram %s: %w", method, err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", method, err)
	}

	var resp telegramResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("parse %s response (status %d): %w", method, httpResp.StatusCode, err)
	}
	if resp.OK {
		return &resp, nil
	}

	switch {
	case resp.ErrorCode == http.StatusTooManyRequests:
		retryAfter := 30 * time.Second
		if resp.Parameters.RetryAfter > 0 {
			retryAfter = time.Duration(resp.Parameters.RetryAfter) * time.Second
		}
		t.logger.Warn().
			Str("method", method).
			Dur("retry_after", retryAfter).
			Msg("telegram flood control")
		return nil, &ports.ErrFlood{RetryAfter: retryAfter}
	case resp.ErrorCode >= 400 && resp.ErrorCode < 500:
		// Bad chat, blocked bot, malformed markup: retrying cannot help.
		return nil, fmt.Errorf("telegram %s rejected (%d %s): %w",
			method, resp.ErrorCode, resp.Description, ports.ErrDeliveryFailed)
	default:
		return nil, fmt.Errorf("telegram %s failed (%d %s)", method, resp.ErrorCode, resp.Description)
	}
}

func splitRef(ref ports.MessageRef) (chatID string, messageID int64, err error) {
	chatID, idStr, ok := strings.Cut(string(ref), ":")
	if !ok || chatID == "" {
		return "", 0, fmt.Errorf("malformed message ref %q: %w", ref, ports.ErrDeliveryFailed)
	}
	messageID, err = strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("malformed message ref %q: %w", ref, ports.ErrDeliveryFailed)
	}
	return chatID, messageID, nil
}
