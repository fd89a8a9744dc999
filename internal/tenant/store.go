package tenant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/cocrm/internal/docstore"
)

const (
	Collection        = "tenants"
	MembersCollection = "users"
)

func Key(id string) docstore.Key { return docstore.K(Collection, id) }

func MemberKey(uid string) docstore.Key { return docstore.K(MembersCollection, uid) }

// Load reads a tenant inside a transaction.
func Load(ctx context.Context, tx docstore.Tx, id string) (*Tenant, error) {
	var t Tenant
	if err := tx.Get(ctx, Key(id), &t); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, ErrTenantNotFound
		}
		return nil, fmt.Errorf("tenant: load %s: %w", id, err)
	}
	return &t, nil
}

// Save stamps the update metadata and writes t inside a transaction.
func Save(ctx context.Context, tx docstore.Tx, t *Tenant, now time.Time, actor string) error {
	t.UpdatedAt = now
	if actor != "" {
		t.UpdatedBy = actor
	}
	return tx.Set(ctx, Key(t.ID), t)
}

// Get reads a tenant outside a transaction.
func Get(ctx context.Context, r docstore.Reader, id string) (*Tenant, error) {
	var t Tenant
	if err := r.Get(ctx, Key(id), &t); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, ErrTenantNotFound
		}
		return nil, fmt.Errorf("tenant: get %s: %w", id, err)
	}
	return &t, nil
}

// List returns every tenant ordered by id.
func List(ctx context.Context, r docstore.Reader) ([]*Tenant, error) {
	docs, err := r.Query(ctx, Collection)
	if err != nil {
		return nil, err
	}
	out := make([]*Tenant, 0, len(docs))
	for _, d := range docs {
		var t Tenant
		if err := d.Decode(&t); err != nil {
			return nil, fmt.Errorf("tenant: decode %s: %w", d.Key.ID, err)
		}
		out = append(out, &t)
	}
	return out, nil
}

// LoadMember reads a membership inside a transaction.
func LoadMember(ctx context.Context, tx docstore.Tx, uid string) (*Member, error) {
	var m Member
	if err := tx.Get(ctx, MemberKey(uid), &m); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, ErrMemberNotFound
		}
		return nil, fmt.Errorf("tenant: load member %s: %w", uid, err)
	}
	return &m, nil
}
