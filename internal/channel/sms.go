package channel

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/kursadbilgin/civic-notify/internal/domain"
	"golang.org/x/text/encoding/korean"
)

const (
	defaultSMSTimeout = 10 * time.Second
	// smsMaxBytes is the EUC-KR size limit of a short message; longer text goes out as LMS.
	smsMaxBytes = 90
)

// SMSConfig holds provider credentials. All fields except APISecret are required
// for the client to report itself available.
type SMSConfig struct {
	APIURL    string
	APIKey    string
	APISecret string
	Sender    string
}

type smsRequest struct {
	Message smsMessage `json:"message"`
}

type smsMessage struct {
	To      string `json:"to"`
	From    string `json:"from"`
	Text    string `json:"text"`
	Type    string `json:"type"`
	Subject string `json:"subject,omitempty"`
}

type smsResponse struct {
	MessageID     string `json:"messageId"`
	GroupID       string `json:"groupId"`
	StatusCode    string `json:"statusCode"`
	StatusMessage string `json:"statusMessage"`
}

type smsErrorResponse struct {
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// SMSClient sends text messages through an HMAC-authenticated HTTP API.
type SMSClient struct {
	client    *resty.Client
	cfg       SMSConfig
	templates *Templates
	now       func() time.Time
}

func NewSMSClient(cfg SMSConfig, templates *Templates) (*SMSClient, error) {
	client := resty.New()
	client.SetTimeout(defaultSMSTimeout)
	client.SetRetryCount(0)

	return NewSMSClientWithClient(cfg, templates, client)
}

func NewSMSClientWithClient(cfg SMSConfig, templates *Templates, client *resty.Client) (*SMSClient, error) {
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}
	if templates == nil {
		return nil, fmt.Errorf("templates are required")
	}

	cfg.APIURL = strings.TrimSpace(cfg.APIURL)
	if cfg.APIURL != "" {
		if _, err := url.ParseRequestURI(cfg.APIURL); err != nil {
			return nil, fmt.Errorf("invalid sms api url: %w", err)
		}
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultSMSTimeout)
	}
	client.SetRetryCount(0)

	return &SMSClient{
		client:    client,
		cfg:       cfg,
		templates: templates,
		now:       time.Now,
	}, nil
}

func (c *SMSClient) Channel() domain.Channel { return domain.ChannelSMS }

func (c *SMSClient) IsAvailable() bool {
	if c == nil {
		return false
	}
	return c.cfg.APIURL != "" && strings.TrimSpace(c.cfg.APIKey) != "" && strings.TrimSpace(c.cfg.Sender) != ""
}

func (c *SMSClient) Send(ctx context.Context, msg Message) (Result, error) {
	if c == nil || c.client == nil {
		return Result{}, fmt.Errorf("sms client is not initialized")
	}

	to := normalizePhone(msg.Payload.RecipientPhone)
	if to == "" {
		return failed(domain.ChannelSMS, "", ErrMissingRecipient), nil
	}
	if !c.IsAvailable() {
		return failed(domain.ChannelSMS, to, ErrUnavailable), nil
	}

	rendered, err := c.templates.Render(msg)
	if err != nil {
		return Result{}, err
	}

	body := smsRequest{Message: smsMessage{
		To:   to,
		From: normalizePhone(c.cfg.Sender),
		Text: rendered.SMS,
		Type: "SMS",
	}}
	if eucKRLength(rendered.SMS) > smsMaxBytes {
		body.Message.Type = "LMS"
		body.Message.Subject = rendered.Subject
	}

	result := Result{
		Channel:   domain.ChannelSMS,
		Recipient: to,
		Request: map[string]any{
			"to":   to,
			"type": body.Message.Type,
			"text": body.Message.Text,
		},
	}

	var (
		okBody  smsResponse
		errBody smsErrorResponse
	)
	response, err := c.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("Authorization", c.authorization()).
		SetBody(body).
		SetResult(&okBody).
		SetError(&errBody).
		Post(c.cfg.APIURL)
	if err != nil {
		result.Err = &TransportError{Message: "sms request failed", Cause: err}
		return result, nil
	}
	if response == nil {
		result.Err = &TransportError{Message: "sms provider returned empty response"}
		return result, nil
	}

	statusCode := response.StatusCode()
	result.Response = map[string]any{"status": statusCode}

	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices {
		result.Success = true
		result.MessageID = okBody.MessageID
		result.Response["messageId"] = okBody.MessageID
		if okBody.StatusCode != "" {
			result.Response["statusCode"] = okBody.StatusCode
		}
		return result, nil
	}

	message := strings.TrimSpace(errBody.ErrorMessage)
	if message == "" {
		message = strings.TrimSpace(response.String())
	}
	if errBody.ErrorCode != "" {
		result.Response["errorCode"] = errBody.ErrorCode
		message = errBody.ErrorCode + " " + message
	}
	result.Response["error"] = message
	result.Err = &TransportError{StatusCode: statusCode, Message: smsErrorMessage(statusCode, message)}
	return result, nil
}

// authorization builds the HMAC-SHA256 header over date+salt.
func (c *SMSClient) authorization() string {
	date := c.now().UTC().Format(time.RFC3339)
	salt := strings.ReplaceAll(uuid.NewString(), "-", "")

	mac := hmac.New(sha256.New, []byte(c.cfg.APISecret))
	mac.Write([]byte(date + salt))
	signature := hex.EncodeToString(mac.Sum(nil))

	return fmt.Sprintf("HMAC-SHA256 apiKey=%s, date=%s, salt=%s, signature=%s", c.cfg.APIKey, date, salt, signature)
}

func smsErrorMessage(statusCode int, body string) string {
	base := fmt.Sprintf("sms provider returned status %d", statusCode)
	if body == "" {
		return base
	}
	return fmt.Sprintf("%s: %s", base, body)
}

func normalizePhone(phone string) string {
	replacer := strings.NewReplacer("-", "", " ", "", "(", "", ")", "")
	return replacer.Replace(strings.TrimSpace(phone))
}

// eucKRLength reports the encoded size carriers bill by. Runes EUC-KR cannot
// represent count as two bytes.
func eucKRLength(text string) int {
	encoded, err := korean.EUCKR.NewEncoder().String(text)
	if err == nil {
		return len(encoded)
	}

	n := 0
	for _, r := range text {
		if r < utf8.RuneSelf {
			n++
			continue
		}
		n += 2
	}
	return n
}
