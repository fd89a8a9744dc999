package messaging

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/cocrm/internal/apperr"
	"github.com/mbd888/cocrm/internal/auth"
	"github.com/mbd888/cocrm/internal/docstore"
	"github.com/mbd888/cocrm/internal/idgen"
	"github.com/mbd888/cocrm/internal/leads"
	"github.com/mbd888/cocrm/internal/ledger"
	"github.com/mbd888/cocrm/internal/logging"
	"github.com/mbd888/cocrm/internal/metering"
	"github.com/mbd888/cocrm/internal/providers"
	"github.com/mbd888/cocrm/internal/quota"
	"github.com/mbd888/cocrm/internal/saga"
	"github.com/mbd888/cocrm/internal/tenant"
	"github.com/mbd888/cocrm/internal/validation"
)

const maxAttachments = 5

// SendRequest is a template send to one lead.
type SendRequest struct {
	LeadID       string                 `json:"leadId"`
	TemplateName string                 `json:"templateName"`
	Namespace    string                 `json:"namespace,omitempty"`
	TemplateData providers.TemplateData `json:"templateData"`
	Attachments  []providers.Attachment `json:"attachments,omitempty"`
	Category     quota.MessageCategory  `json:"category,omitempty"`
}

// SendResult reports the interaction and its final status. A provider
// failure is not an error: the status is failed and the charge refunded.
type SendResult struct {
	InteractionID  string `json:"interactionId"`
	Status         Status `json:"status"`
	MessageID      string `json:"messageId,omitempty"`
	CreditsCharged int64  `json:"credits_charged"`
	Refunded       bool   `json:"refunded,omitempty"`
}

func (r SendRequest) validate() error {
	v := []func() *validation.ValidationError{
		validation.Required("leadId", r.LeadID),
		validation.Required("templateName", r.TemplateName),
		validation.MaxLength("templateName", r.TemplateName, 128),
		validation.OneOf("category", string(r.Category),
			string(quota.CategoryMarketing), string(quota.CategoryUtility), string(quota.CategoryFreeform)),
	}
	if len(r.Attachments) > 0 {
		v = append(v, validation.NonEmptyList("attachments", len(r.Attachments), maxAttachments))
	}
	for _, a := range r.Attachments {
		v = append(v, validation.Required("attachments.href", a.URL), validation.HTTPURL("attachments.href", a.URL))
	}
	return validation.Validate(v...).Err()
}

// Send charges one message, records a sending interaction and delivers the
// template. The lead must belong to the caller's tenant, carry a valid
// phone number and not have opted out. The daily cap and the balance are
// checked and updated in the same transaction as the debit.
func (s *Service) Send(ctx context.Context, id auth.Identity, req SendRequest) (res *SendResult, err error) {
	if err := metering.Authorize(id, true); err != nil {
		return nil, err
	}
	ctx, done := s.meter.Track(ctx, quota.ActionSendWhatsApp, id.TenantID)
	defer func() { done(err) }()

	if err := req.validate(); err != nil {
		return nil, err
	}
	policy := s.meter.Policy()
	cost, ok := policy.MessageCost(req.Category)
	if !ok {
		return nil, apperr.Invalid("category", "unknown message category")
	}
	if err := s.meter.Throttle(ctx, quota.ActionSendWhatsApp, id); err != nil {
		return nil, err
	}

	interactionID := idgen.NewAt(s.meter.Now())
	var (
		in      *Interaction
		lead    *leads.Lead
		balance int64
	)
	err = s.meter.Reserve(ctx, id.TenantID, func(ctx context.Context, tx docstore.Tx, t *tenant.Tenant) ([]*ledger.Entry, error) {
		l, err := leads.Load(ctx, tx, t.ID, req.LeadID)
		if errors.Is(err, leads.ErrLeadNotFound) {
			return nil, apperr.NotFoundf("lead not found")
		}
		if err != nil {
			return nil, err
		}
		if l.OptInStatus == leads.OptInOptedOut {
			return nil, apperr.Invalid("leadId", "lead has opted out of messages")
		}
		phone, err := providers.NormalizePhone(l.Phone(), s.region)
		if err != nil {
			return nil, apperr.Invalid("leadId", "lead has no valid phone number")
		}
		if err := policy.CheckDailyMessages(t); err != nil {
			return nil, err
		}
		t.UsageCurrent.WhatsAppSentToday++

		now := s.meter.Now()
		in = &Interaction{
			ID:           interactionID,
			TenantID:     t.ID,
			Type:         TypeWhatsAppOutbound,
			LeadID:       l.ID,
			LeadName:     l.Name(),
			Phone:        phone,
			Content:      "Template: " + req.TemplateName,
			Status:       StatusSending,
			Category:     req.Category,
			TemplateName: req.TemplateName,
			TemplateData: req.TemplateData,
			Cost:         cost,
			CreatedAt:    now,
			CreatedBy:    id.UserID,
			UpdatedAt:    now,
		}
		if in.Category == "" {
			in.Category = quota.CategoryUtility
		}

		var posted []*ledger.Entry
		if cost > 0 {
			entry, err := ledger.Apply(ctx, tx, t, ledger.Delta{
				TenantID:    t.ID,
				Amount:      -cost,
				Reason:      ledger.ReasonWhatsAppSend,
				ReferenceID: interactionID,
				ActorID:     id.UserID,
			}, now)
			if err != nil {
				return nil, err
			}
			in.DebitEntryID = entry.ID
			posted = append(posted, entry)
		} else if err := tenant.Save(ctx, tx, t, now, id.UserID); err != nil {
			return nil, err
		}
		if err := tx.Create(ctx, Key(in.ID), in); err != nil {
			return nil, err
		}
		lead = l
		balance = t.CreditsBalance
		return posted, nil
	})
	if err != nil {
		return nil, err
	}
	if cost > 0 {
		s.meter.NotifyBalance(ctx, id.TenantID, balance)
	}

	res = &SendResult{InteractionID: in.ID, CreditsCharged: cost}
	msg := providers.WhatsAppMessage{
		To:           in.Phone,
		TemplateName: req.TemplateName,
		Namespace:    req.Namespace,
		Variables:    templateVariables(lead, in.Phone, req.TemplateData),
		Attachments:  req.Attachments,
	}
	log := logging.L(ctx).With("interaction_id", in.ID, "lead_id", lead.ID)

	messageID, sendErr := s.sender.SendTemplate(ctx, msg)
	if sendErr != nil {
		log.Warn("whatsapp send failed, refunding", "provider", s.sender.Name(), "error", sendErr)
		s.fail(ctx, in, "provider: "+sendErr.Error())
		res.Status = StatusFailed
		res.Refunded = in.DebitEntryID != ""
		return res, nil
	}

	if err := s.markSent(ctx, in, messageID); err != nil {
		// The message went out; the interaction stays sending and the
		// sweep settles it.
		log.Error("recording sent message failed", "message_id", messageID, "error", err)
	}
	res.Status = StatusSent
	res.MessageID = messageID
	s.notify(ctx, in.TenantID, in.ID, StatusSent)
	log.Info("whatsapp message sent", "provider", s.sender.Name(), "message_id", messageID)
	return res, nil
}

// templateVariables puts the lead's name and phone first unless the caller
// supplied them.
func templateVariables(l *leads.Lead, phone string, data providers.TemplateData) providers.TemplateData {
	vars := make(providers.TemplateData, 0, len(data)+2)
	if _, ok := data.Get("name"); !ok {
		vars = vars.Set("name", l.Name())
	}
	if _, ok := data.Get("phone"); !ok {
		vars = vars.Set("phone", phone)
	}
	for _, v := range data {
		vars = vars.Set(v.Key, v.Value)
	}
	return vars
}

func (s *Service) markSent(ctx context.Context, in *Interaction, messageID string) error {
	return s.meter.Store().RunAtomic(context.WithoutCancel(ctx), func(ctx context.Context, tx docstore.Tx) error {
		cur, err := Load(ctx, tx, in.TenantID, in.ID)
		if err != nil {
			return err
		}
		if cur.Status != StatusSending {
			return nil
		}
		cur.Status = StatusSent
		cur.Provider = s.sender.Name()
		cur.ProviderMessageID = messageID
		cur.Error = ""
		cur.UpdatedAt = s.meter.Now()
		return tx.Set(ctx, Key(cur.ID), cur)
	})
}

// fail refunds the interaction's debit through the compensator. A free
// message has no debit and is marked failed directly.
func (s *Service) fail(ctx context.Context, in *Interaction, reason string) {
	if in.DebitEntryID != "" {
		// Failures are logged by the compensator and left for the sweep.
		_ = s.comp.Compensate(ctx, requestFor(in, reason))
	} else {
		err := s.meter.Store().RunAtomic(context.WithoutCancel(ctx), func(ctx context.Context, tx docstore.Tx) error {
			return MarkSendFailed(ctx, tx, requestFor(in, reason), nil)
		})
		if err != nil && !errors.Is(err, saga.ErrRecordSettled) {
			logging.L(ctx).Error("marking message failed", "interaction_id", in.ID, "error", err)
		}
	}
	s.notify(ctx, in.TenantID, in.ID, StatusFailed)
}

func requestFor(in *Interaction, reason string) saga.Request {
	return saga.Request{
		TenantID:     in.TenantID,
		DebitEntryID: in.DebitEntryID,
		Kind:         saga.KindWhatsAppSend,
		RecordID:     in.ID,
		Reason:       reason,
	}
}

func (s *Service) notify(ctx context.Context, tenantID, interactionID string, status Status) {
	s.meter.Notify(ctx, metering.Event{
		Type:     metering.EventInteractionStatus,
		TenantID: tenantID,
		Data:     map[string]any{"interactionId": interactionID, "status": string(status)},
	})
}

// Stuck lists send sagas that never reached a terminal state: interactions
// sending since before cutoff, and failed interactions whose debit was never
// refunded.
func (s *Service) Stuck(ctx context.Context, cutoff time.Time) ([]saga.Request, error) {
	var out []saga.Request
	for _, status := range []Status{StatusSending, StatusFailed} {
		docs, err := s.meter.Store().Query(ctx, Collection, docstore.Where("status", string(status)))
		if err != nil {
			return nil, err
		}
		for _, d := range docs {
			var in Interaction
			if err := d.Decode(&in); err != nil {
				return nil, err
			}
			switch {
			case in.Status == StatusSending && in.CreatedAt.Before(cutoff):
				if in.DebitEntryID == "" {
					s.fail(ctx, &in, "send timed out")
					continue
				}
				out = append(out, requestFor(&in, "send timed out"))
			case in.Status == StatusFailed && in.DebitEntryID != "" && in.RefundEntryID == "":
				reason := in.Error
				if reason == "" {
					reason = "failed without refund"
				}
				out = append(out, requestFor(&in, reason))
			}
		}
	}
	return out, nil
}
