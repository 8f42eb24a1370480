package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/LeventeLantos/messaging-gateway/internal/apperr"
	"github.com/LeventeLantos/messaging-gateway/internal/model"
)

const (
	DefaultBaseURL    = "https://graph.facebook.com"
	DefaultAPIVersion = "v21.0"
)

// Provider error codes that mean throttling rather than a bad request.
var rateLimitCodes = map[int]bool{4: true, 80007: true, 130429: true, 131048: true, 131056: true}

// CloudClient calls the messages endpoint of the managed cloud API.
type CloudClient struct {
	baseURL string
	version string
	client  *http.Client
}

func NewCloudClient(baseURL, version string, timeout time.Duration) *CloudClient {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if version == "" {
		version = DefaultAPIVersion
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &CloudClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		version: version,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

type sendRequest struct {
	MessagingProduct string `json:"messaging_product"`
	RecipientType    string `json:"recipient_type"`
	To               string `json:"to"`
	Type             string `json:"type"`

	Text     *textBody     `json:"text,omitempty"`
	Image    *mediaBody    `json:"image,omitempty"`
	Video    *mediaBody    `json:"video,omitempty"`
	Audio    *mediaBody    `json:"audio,omitempty"`
	Document *mediaBody    `json:"document,omitempty"`
	Template *templateBody `json:"template,omitempty"`
	Location *locationBody `json:"location,omitempty"`
	Contacts []contactBody `json:"contacts,omitempty"`
}

type textBody struct {
	Body       string `json:"body"`
	PreviewURL bool   `json:"preview_url"`
}

type mediaBody struct {
	Link     string `json:"link"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
}

type templateBody struct {
	Name       string              `json:"name"`
	Language   templateLanguage    `json:"language"`
	Components []templateComponent `json:"components,omitempty"`
}

type templateLanguage struct {
	Code string `json:"code"`
}

type templateComponent struct {
	Type       string              `json:"type"`
	Parameters []templateParameter `json:"parameters"`
}

type templateParameter struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type locationBody struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name,omitempty"`
	Address   string  `json:"address,omitempty"`
}

type contactBody struct {
	Name   contactName    `json:"name"`
	Phones []contactPhone `json:"phones,omitempty"`
}

type contactName struct {
	FormattedName string `json:"formatted_name"`
	FirstName     string `json:"first_name"`
}

type contactPhone struct {
	Phone string `json:"phone"`
	Type  string `json:"type"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// BuildRequest maps content onto the provider's message payload.
func BuildRequest(recipient string, content model.Content) (any, error) {
	req := sendRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               strings.TrimPrefix(recipient, "+"),
	}

	switch content.Type {
	case model.ContentText:
		req.Type = "text"
		req.Text = &textBody{Body: content.Text}

	case model.ContentMedia:
		m := &mediaBody{Link: content.MediaURL, Caption: content.Caption}
		req.Type = mediaKind(content.MediaMime)
		switch req.Type {
		case "image":
			req.Image = m
		case "video":
			req.Video = m
		case "audio":
			m.Caption = ""
			req.Audio = m
		default:
			m.Filename = content.FileName
			req.Document = m
		}

	case model.ContentTemplate:
		lang := content.TemplateLanguage
		if lang == "" {
			lang = "en"
		}
		t := &templateBody{Name: content.TemplateName, Language: templateLanguage{Code: lang}}
		if len(content.TemplateParams) > 0 {
			body := templateComponent{Type: "body"}
			for _, p := range content.TemplateParams {
				body.Parameters = append(body.Parameters, templateParameter{Type: "text", Text: p})
			}
			t.Components = []templateComponent{body}
		}
		req.Type = "template"
		req.Template = t

	case model.ContentLocation:
		req.Type = "location"
		req.Location = &locationBody{
			Latitude:  content.Latitude,
			Longitude: content.Longitude,
			Name:      content.LocationName,
			Address:   content.Address,
		}

	case model.ContentContact:
		c := contactBody{Name: contactName{FormattedName: content.ContactName, FirstName: content.ContactName}}
		if content.ContactPhone != "" {
			c.Phones = []contactPhone{{Phone: content.ContactPhone, Type: "CELL"}}
		}
		req.Type = "contacts"
		req.Contacts = []contactBody{c}

	default:
		return nil, apperr.Validation("unsupported content type %q", content.Type)
	}
	return req, nil
}

func mediaKind(mime string) string {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return "image"
	case strings.HasPrefix(mime, "video/"):
		return "video"
	case strings.HasPrefix(mime, "audio/"):
		return "audio"
	}
	return "document"
}

// Send posts content to recipient with the device's credentials and
// returns the provider message id.
func (c *CloudClient) Send(ctx context.Context, creds model.CloudCredentials, recipient string, content model.Content) (string, error) {
	payload, err := BuildRequest(recipient, content)
	if err != nil {
		return "", err
	}
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	version := creds.APIVersion
	if version == "" {
		version = c.version
	}
	url := fmt.Sprintf("%s/%s/%s/messages", c.baseURL, version, creds.PhoneNumberID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return "", err
		}
		return "", apperr.Wrap(apperr.KindConnection, err, "cloud api unreachable")
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", statusError(resp.StatusCode, body)
	}

	var sr sendResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return "", fmt.Errorf("failed to decode json: %w body=%q", err, string(body))
	}
	if len(sr.Messages) == 0 || sr.Messages[0].ID == "" {
		return "", fmt.Errorf("missing message id in response body=%q", string(body))
	}
	return sr.Messages[0].ID, nil
}

func statusError(code int, body []byte) error {
	var er errorResponse
	_ = json.Unmarshal(body, &er)

	reason := fmt.Sprintf("unexpected status code: %d body=%q", code, string(body))
	switch {
	case code == http.StatusUnauthorized || er.Error.Code == 190:
		return apperr.Auth("%s", reason)
	case code == http.StatusTooManyRequests || rateLimitCodes[er.Error.Code]:
		return apperr.RateLimit("%s", reason)
	case code >= 500:
		return apperr.Connection("%s", reason)
	default:
		return apperr.Validation("%s", reason)
	}
}
