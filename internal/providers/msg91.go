package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
)

const msg91WhatsAppURL = "https://api.msg91.com/api/v5/whatsapp/whatsapp-outbound-message/bulk/"

var nonDigits = regexp.MustCompile(`\D`)

// MSG91 sends WhatsApp template messages through MSG91's bulk endpoint.
type MSG91 struct {
	authKey          string
	integratedNumber string
	baseURL          string
	client           *http.Client
}

var _ WhatsAppSender = (*MSG91)(nil)

func NewMSG91(authKey, integratedNumber string) *MSG91 {
	return &MSG91{authKey: authKey, integratedNumber: integratedNumber, baseURL: msg91WhatsAppURL, client: defaultHTTPClient()}
}

// WithBaseURL points the client at another endpoint.
func (m *MSG91) WithBaseURL(u string) *MSG91 {
	m.baseURL = u
	return m
}

func (m *MSG91) Name() string { return "msg91" }

// msg91Phone strips formatting and a leading country code, then prefixes 91.
func msg91Phone(phone string) string {
	digits := nonDigits.ReplaceAllString(phone, "")
	return "91" + strings.TrimPrefix(digits, "91")
}

type msg91Component struct {
	Filename string `json:"filename,omitempty"`
	Type     string `json:"type"`
	Value    string `json:"value"`
}

func msg91Components(msg WhatsAppMessage) map[string]msg91Component {
	components := make(map[string]msg91Component)
	if len(msg.Attachments) > 0 {
		att := msg.Attachments[0]
		name := att.Filename
		if name == "" {
			name = "Document.pdf"
		}
		kind := "image"
		if strings.HasSuffix(strings.ToLower(att.Filename), ".pdf") {
			kind = "document"
		}
		components["header_1"] = msg91Component{Filename: name, Type: kind, Value: att.URL}
	}
	for i, v := range msg.Variables.BodyValues() {
		components[fmt.Sprintf("body_%d", i+1)] = msg91Component{Type: "text", Value: v}
	}
	return components
}

func (m *MSG91) SendTemplate(ctx context.Context, msg WhatsAppMessage) (string, error) {
	type language struct {
		Code   string `json:"code"`
		Policy string `json:"policy"`
	}
	type recipient struct {
		To         []string                  `json:"to"`
		Components map[string]msg91Component `json:"components"`
	}
	template := map[string]any{
		"name":              msg.TemplateName,
		"language":          language{Code: "en", Policy: "deterministic"},
		"to_and_components": []recipient{{To: []string{msg91Phone(msg.To)}, Components: msg91Components(msg)}},
	}
	if msg.Namespace != "" {
		template["namespace"] = msg.Namespace
	}
	body := map[string]any{
		"integrated_number": m.integratedNumber,
		"content_type":      "template",
		"payload": map[string]any{
			"messaging_product": "whatsapp",
			"type":              "template",
			"template":          template,
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("authkey", m.authKey)

	resp, err := m.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("msg91: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", statusError("msg91", resp)
	}

	var decoded struct {
		RequestID string `json:"request_id"`
		Status    string `json:"status"`
		Errors    any    `json:"errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("msg91: decode: %w", err)
	}
	if decoded.Status == "fail" {
		return "", fmt.Errorf("msg91: rejected: %v", decoded.Errors)
	}
	if decoded.RequestID == "" {
		return "queued", nil
	}
	return decoded.RequestID, nil
}
