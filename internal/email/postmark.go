package email

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
)

type Client struct {
	serverToken string
	fromEmail   string
	baseURL     string
	httpClient  *http.Client
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

func NewClient(serverToken, fromEmail, baseURL string, opts ...Option) *Client {
	c := &Client{
		serverToken: serverToken,
		fromEmail:   fromEmail,
		baseURL:     baseURL,
		httpClient:  http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configured returns true if the server token is set.
func (c *Client) Configured() bool {
	return c.serverToken != ""
}

type postmarkEmail struct {
	From     string `json:"From"`
	To       string `json:"To"`
	Subject  string `json:"Subject"`
	HtmlBody string `json:"HtmlBody"`
	TextBody string `json:"TextBody"`
}

// SendGiftNotification tells a recipient someone gifted them castframe Pro.
// senderName and message are optional; coverage is the human-readable
// duration ("3 months", "lifetime access").
func (c *Client) SendGiftNotification(toEmail, senderName, message, coverage string) error {
	if !c.Configured() {
		return fmt.Errorf("email client not configured: missing server token")
	}

	subject := fmt.Sprintf("You've received %s of castframe Pro", coverage)
	intro := fmt.Sprintf("Someone sent you a gift: %s of castframe Pro.", coverage)
	if senderName != "" {
		subject = fmt.Sprintf("%s sent you %s of castframe Pro", senderName, coverage)
		intro = fmt.Sprintf("%s sent you a gift: %s of castframe Pro.", senderName, coverage)
	}

	textBody := intro
	htmlBody := fmt.Sprintf("<p>%s</p>", html.EscapeString(intro))
	if message != "" {
		textBody += fmt.Sprintf("\n\nTheir message:\n%s", message)
		htmlBody += fmt.Sprintf("<blockquote>%s</blockquote>", html.EscapeString(message))
	}
	if c.baseURL != "" {
		link := c.baseURL + "/account"
		textBody += fmt.Sprintf("\n\nYour gift is already active: %s", link)
		htmlBody += fmt.Sprintf(`<p>Your gift is already active: <a href="%s">%s</a></p>`, link, link)
	}

	payload := postmarkEmail{
		From:     c.fromEmail,
		To:       toEmail,
		Subject:  subject,
		HtmlBody: htmlBody,
		TextBody: textBody,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal email: %w", err)
	}

	req, err := http.NewRequest("POST", "https://api.postmarkapp.com/email", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Postmark-Server-Token", c.serverToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("postmark API error: status %d", resp.StatusCode)
	}

	return nil
}
