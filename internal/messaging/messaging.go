// Package messaging sends WhatsApp template messages to leads. Each send is a
// two-phase saga: the debit, the daily counter and a sending interaction
// commit together; the provider call follows, and a failed call refunds the
// debit and marks the interaction failed.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/cocrm/internal/docstore"
	"github.com/mbd888/cocrm/internal/ledger"
	"github.com/mbd888/cocrm/internal/metering"
	"github.com/mbd888/cocrm/internal/providers"
	"github.com/mbd888/cocrm/internal/quota"
	"github.com/mbd888/cocrm/internal/saga"
)

var ErrInteractionNotFound = errors.New("messaging: interaction not found")

const Collection = "interactions"

// TypeWhatsAppOutbound is the interaction type of a template send.
const TypeWhatsAppOutbound = "whatsapp_outbound"

// Status is the durable saga marker of a send.
type Status string

const (
	StatusSending Status = "sending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// Interaction records one outbound message.
type Interaction struct {
	ID                string                 `json:"id"`
	TenantID          string                 `json:"tenant_id"`
	Type              string                 `json:"type"`
	LeadID            string                 `json:"lead_id"`
	LeadName          string                 `json:"lead_name"`
	Phone             string                 `json:"phone"`
	Content           string                 `json:"content"`
	Status            Status                 `json:"status"`
	Category          quota.MessageCategory  `json:"category"`
	TemplateName      string                 `json:"template_name"`
	TemplateData      providers.TemplateData `json:"template_data,omitempty"`
	Cost              int64                  `json:"cost"`
	DebitEntryID      string                 `json:"debit_entry_id,omitempty"`
	RefundEntryID     string                 `json:"refund_entry_id,omitempty"`
	Provider          string                 `json:"provider,omitempty"`
	ProviderMessageID string                 `json:"provider_message_id,omitempty"`
	Error             string                 `json:"error,omitempty"`
	CreatedAt         time.Time              `json:"created_at"`
	CreatedBy         string                 `json:"created_by"`
	UpdatedAt         time.Time              `json:"updated_at"`
}

func Key(id string) docstore.Key { return docstore.K(Collection, id) }

// Load reads an interaction inside tx and checks it belongs to tenantID.
func Load(ctx context.Context, tx docstore.Tx, tenantID, id string) (*Interaction, error) {
	var in Interaction
	if err := tx.Get(ctx, Key(id), &in); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, ErrInteractionNotFound
		}
		return nil, fmt.Errorf("messaging: load %s: %w", id, err)
	}
	if in.TenantID != tenantID {
		return nil, ErrInteractionNotFound
	}
	return &in, nil
}

// Get reads an interaction outside a transaction.
func Get(ctx context.Context, r docstore.Reader, tenantID, id string) (*Interaction, error) {
	var in Interaction
	if err := r.Get(ctx, Key(id), &in); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, ErrInteractionNotFound
		}
		return nil, fmt.Errorf("messaging: get %s: %w", id, err)
	}
	if in.TenantID != tenantID {
		return nil, ErrInteractionNotFound
	}
	return &in, nil
}

// MarkSendFailed is the compensation step for a WhatsApp send. An
// interaction that was delivered in the meantime keeps its state and the
// refund is abandoned.
func MarkSendFailed(ctx context.Context, tx docstore.Tx, req saga.Request, refund *ledger.Entry) error {
	in, err := Load(ctx, tx, req.TenantID, req.RecordID)
	if err != nil {
		return err
	}
	if in.Status == StatusSent {
		return fmt.Errorf("%w: interaction %s", saga.ErrRecordSettled, in.ID)
	}
	in.Status = StatusFailed
	if in.Error == "" {
		in.Error = req.Reason
	}
	if refund != nil {
		in.RefundEntryID = refund.ID
		in.UpdatedAt = refund.Timestamp
	}
	return tx.Set(ctx, Key(in.ID), in)
}

// Service sends messages.
type Service struct {
	meter  *metering.Service
	sender providers.WhatsAppSender
	comp   saga.Compensator
	region string
}

func NewService(meter *metering.Service, sender providers.WhatsAppSender, comp saga.Compensator) *Service {
	return &Service{meter: meter, sender: sender, comp: comp, region: providers.DefaultRegion}
}

// WithRegion sets the region used to read lead numbers without a country
// code.
func (s *Service) WithRegion(region string) *Service {
	if region != "" {
		s.region = region
	}
	return s
}
