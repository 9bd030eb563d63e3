package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// DeliveryError marks a notification that reached the sink but was not
// delivered. Callers log it; it never fails the run that produced the
// alert.
type DeliveryError struct {
	Err error
}

func (e *DeliveryError) Error() string {
	return "notification delivery: " + e.Err.Error()
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// TelegramConfig holds Telegram Bot API credentials. Both fields empty
// means the sink is unconfigured and sends become no-ops.
type TelegramConfig struct {
	BotToken string
	ChatID   string
	// SendRatePerSec caps outgoing messages; zero selects 0.5/s.
	SendRatePerSec float64
}

// Telegram delivers messages through the Telegram Bot API. Sends are rate
// limited to stay under the API's per-chat ceiling.
type Telegram struct {
	cfg     TelegramConfig
	client  *http.Client
	limiter *rate.Limiter
	baseURL string // overridable in tests
}

// NewTelegram creates a Telegram sink.
func NewTelegram(cfg TelegramConfig) *Telegram {
	rps := cfg.SendRatePerSec
	if rps <= 0 {
		rps = 0.5
	}
	return &Telegram{
		cfg:     cfg,
		client:  &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(rps), 5),
		baseURL: "https://api.telegram.org",
	}
}

// Configured reports whether credentials are set.
func (t *Telegram) Configured() bool {
	return t.cfg.BotToken != "" && t.cfg.ChatID != ""
}

// Send posts a message to the configured chat. Unconfigured sinks return
// nil without contacting the API.
func (t *Telegram) Send(ctx context.Context, text string) error {
	if !t.Configured() {
		return nil
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return &DeliveryError{Err: err}
	}

	body, err := json.Marshal(map[string]string{
		"chat_id":    t.cfg.ChatID,
		"text":       text,
		"parse_mode": "HTML",
	})
	if err != nil {
		return &DeliveryError{Err: fmt.Errorf("marshal message: %w", err)}
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.cfg.BotToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return &DeliveryError{Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return &DeliveryError{Err: fmt.Errorf("telegram POST: %w", err)}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck // drain body for connection reuse

	if resp.StatusCode != http.StatusOK {
		return &DeliveryError{Err: fmt.Errorf("telegram responded %d", resp.StatusCode)}
	}
	return nil
}
