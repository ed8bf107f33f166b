// Package source defines where reconciliation input comes from. A Provider
// yields source items (emails, exported documents) as plain text with enough
// header metadata for provenance tracking and change detection.
package source

import (
	"context"

	"mail2cal/internal/ledger"
	"mail2cal/internal/model"
)

// Item is one unit of input: an email message or a dropped file.
type Item struct {
	ID      string
	Subject string
	Sender  string
	Date    string // source-provided date string, best effort
	Body    string
}

// Provenance converts the item's metadata for attachment to extracted events.
func (it Item) Provenance() model.Provenance {
	return model.Provenance{
		SourceID: it.ID,
		Subject:  it.Subject,
		Sender:   it.Sender,
		Date:     it.Date,
	}
}

// ContentHash is the change-detection hash over the parts that matter.
func (it Item) ContentHash() string {
	return ledger.ContentHash(it.Subject, it.Body, it.Date)
}

//go:generate mockgen -destination=mocks/mock_provider.go -package=mocks mail2cal/internal/source Provider

// Provider fetches the current set of source items. Fetch returns the whole
// window every call; the ledger decides what is new or changed.
type Provider interface {
	Fetch(ctx context.Context) ([]Item, error)
}
