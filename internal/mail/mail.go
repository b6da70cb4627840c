package mail

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"
)

// DefaultAPIURL is the Postmark single-message endpoint.
const DefaultAPIURL = "https://api.postmarkapp.com/email"

// ErrNotConfigured is returned by senders that cannot deliver mail.
var ErrNotConfigured = errors.New("email sender not configured")

type Message struct {
	To      string
	Subject string
	HTML    string
	Text    string
}

// Sender delivers one message. A nil error means the provider accepted it.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Disabled rejects every message.
type Disabled struct{}

func (Disabled) Send(context.Context, Message) error { return ErrNotConfigured }

// Configured reports whether s can deliver mail.
func Configured(s Sender) bool {
	if s == nil {
		return false
	}
	switch v := s.(type) {
	case Disabled, *Disabled:
		return false
	case *Postmark:
		return v.Token != ""
	}
	return true
}

// Postmark sends through the Postmark HTTP API.
type Postmark struct {
	Token  string
	From   string
	APIURL string
	Client *http.Client
}

func NewPostmark(token, from, apiURL string) *Postmark {
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	return &Postmark{
		Token:  token,
		From:   from,
		APIURL: apiURL,
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

type postmarkRequest struct {
	From     string `json:"From"`
	To       string `json:"To"`
	Subject  string `json:"Subject"`
	HtmlBody string `json:"HtmlBody"`
	TextBody string `json:"TextBody"`
}

type postmarkError struct {
	ErrorCode int    `json:"ErrorCode"`
	Message   string `json:"Message"`
}

// SendError reports a non-2xx provider response.
type SendError struct {
	StatusCode int
	Message    string
}

func (e *SendError) Error() string {
	return fmt.Sprintf("failed to send email: status %d: %s", e.StatusCode, e.Message)
}

func (p *Postmark) Send(ctx context.Context, msg Message) error {
	if p == nil || p.Token == "" {
		return ErrNotConfigured
	}
	text := msg.Text
	if text == "" {
		text = StripTags(msg.HTML)
	}
	body, err := json.Marshal(postmarkRequest{
		From:     p.From,
		To:       msg.To,
		Subject:  msg.Subject,
		HtmlBody: msg.HTML,
		TextBody: text,
	})
	if err != nil {
		return err
	}
	url := p.APIURL
	if url == "" {
		url = DefaultAPIURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Postmark-Server-Token", p.Token)
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var pe postmarkError
		message := "Unknown error"
		if json.Unmarshal(raw, &pe) == nil && pe.Message != "" {
			message = pe.Message
		}
		return &SendError{StatusCode: resp.StatusCode, Message: message}
	}
	return nil
}

var tagPattern = regexp.MustCompile(`<[^>]*>`)

// StripTags produces a plain-text fallback from an HTML body.
func StripTags(html string) string {
	lines := strings.Split(tagPattern.ReplaceAllString(html, ""), "\n")
	out := lines[:0]
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}
