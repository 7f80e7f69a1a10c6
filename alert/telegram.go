package alert

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// TelegramNotifier delivers alerts through the Telegram bot API, as a photo
// with caption when the alert carries an image, plain message otherwise.
type TelegramNotifier struct {
	token   string
	chatID  string
	client  *http.Client
	baseURL string
}

// NewTelegramNotifier creates a notifier for one bot/chat pair.
func NewTelegramNotifier(token, chatID string) *TelegramNotifier {
	return &TelegramNotifier{
		token:   token,
		chatID:  chatID,
		client:  &http.Client{Timeout: 10 * time.Second},
		baseURL: "https://api.telegram.org",
	}
}

// Name implements Notifier.
func (t *TelegramNotifier) Name() string {
	return "telegram"
}

// Send implements Notifier.
func (t *TelegramNotifier) Send(ctx context.Context, a GeoAlert) error {
	caption := t.caption(a)
	if len(a.Image) > 0 {
		return t.sendPhoto(ctx, caption, a.Image)
	}
	return t.sendMessage(ctx, caption)
}

func (t *TelegramNotifier) caption(a GeoAlert) string {
	var b strings.Builder

	switch a.Kind {
	case KindFire:
		fmt.Fprintf(&b, "🔥 <b>FIRE CONFIRMED</b> (%.0f%%)", a.Confidence*100)
	default:
		fmt.Fprintf(&b, "💨 <b>Smoke detected</b> (%.0f%%)", a.Confidence*100)
	}

	if a.Text != "" {
		b.WriteString("\n")
		b.WriteString(a.Text)
	}
	if a.Lat != nil && a.Lon != nil {
		link := a.MapLink
		if link == "" {
			link = fmt.Sprintf("https://maps.google.com/?q=%.6f,%.6f", *a.Lat, *a.Lon)
		}
		fmt.Fprintf(&b, "\n<a href=\"%s\">%.6f, %.6f</a>", link, *a.Lat, *a.Lon)
	} else {
		b.WriteString("\nposition unavailable")
	}
	fmt.Fprintf(&b, "\n%s", a.TS.UTC().Format("2006-01-02 15:04:05 UTC"))

	return b.String()
}

func (t *TelegramNotifier) sendMessage(ctx context.Context, text string) error {
	form := url.Values{
		"chat_id":    {t.chatID},
		"text":       {text},
		"parse_mode": {"HTML"},
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	return t.do(req)
}

func (t *TelegramNotifier) sendPhoto(ctx context.Context, caption string, jpeg []byte) error {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	w.WriteField("chat_id", t.chatID)
	w.WriteField("caption", caption)
	w.WriteField("parse_mode", "HTML")

	part, err := w.CreateFormFile("photo", "alert.jpg")
	if err != nil {
		return err
	}
	if _, err := part.Write(jpeg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendPhoto", t.baseURL, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	return t.do(req)
}

func (t *TelegramNotifier) do(req *http.Request) error {
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryFailure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: telegram status %d: %s", ErrDeliveryFailure, resp.StatusCode, string(body))
	}
	return nil
}
