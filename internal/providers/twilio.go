package providers

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"
)

// TwilioWhatsApp sends template messages through Twilio's WhatsApp channel.
// The template is rendered into the message body with its variables.
type TwilioWhatsApp struct {
	from   string
	client *twilio.RestClient
}

var _ WhatsAppSender = (*TwilioWhatsApp)(nil)

func NewTwilioWhatsApp(accountSid, authToken, from string) *TwilioWhatsApp {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSid,
		Password: authToken,
	})
	return &TwilioWhatsApp{from: from, client: client}
}

func (t *TwilioWhatsApp) Name() string { return "twilio" }

// renderTwilioBody fills {{1}}..{{N}} placeholders of a body template, or
// joins the values after the template name when no body is given.
func renderTwilioBody(msg WhatsAppMessage) string {
	var values []string
	for _, v := range msg.Variables {
		if v.Key != "body" && !slices.Contains(internalTemplateFields, v.Key) {
			values = append(values, v.Value)
		}
	}
	body, ok := msg.Variables.Get("body")
	if !ok {
		return strings.TrimSpace(msg.TemplateName + " " + strings.Join(values, " "))
	}
	for i, v := range values {
		body = strings.ReplaceAll(body, fmt.Sprintf("{{%d}}", i+1), v)
	}
	return body
}

func (t *TwilioWhatsApp) SendTemplate(ctx context.Context, msg WhatsAppMessage) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	params := &api.CreateMessageParams{}
	params.SetBody(renderTwilioBody(msg))
	params.SetFrom("whatsapp:" + strings.TrimPrefix(t.from, "whatsapp:"))
	params.SetTo("whatsapp:" + msg.To)
	if len(msg.Attachments) > 0 {
		params.SetMediaUrl([]string{msg.Attachments[0].URL})
	}

	resp, err := t.client.Api.CreateMessage(params)
	if err != nil {
		return "", fmt.Errorf("twilio: %w", err)
	}
	if resp.Sid == nil {
		return "", fmt.Errorf("twilio: no message sid")
	}
	return *resp.Sid, nil
}
