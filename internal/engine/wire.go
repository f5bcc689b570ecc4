package engine

import (
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/config"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/inventory"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/observability"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/occupancy"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/orders"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/scanners"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/scanning"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/tickets"
)

// Store is everything the engine persists. Both the crdb and the memory
// adapters implement it.
type Store interface {
	inventory.Store
	orders.Store
	tickets.Store
	scanners.Store
	scanning.Store
	occupancy.Store
}

type Auditor interface {
	inventory.Auditor
}

// Build assembles the components over one store.
func Build(cfg *config.Config, store Store, catalog scanners.Catalog, audit Auditor, logger observability.Logger) (*Engine, *orders.Lifecycle, error) {
	signer, err := tickets.NewSigner(cfg.CredentialSecret)
	if err != nil {
		return nil, nil, err
	}
	ledger := inventory.NewLedger(store, audit, logger)
	issuer := tickets.NewIssuer(store, signer, logger)
	lifecycle := orders.NewLifecycle(store, ledger, issuer, logger, orders.Options{
		HoldTTL:      cfg.HoldTTL,
		RefundPolicy: cfg.RefundUsedPolicy,
		MaxRetries:   cfg.LockMaxRetries,
	})
	registry := scanners.NewRegistry(store, catalog, audit, cfg.APIKeyPepper, logger)
	processor := scanning.NewProcessor(store, issuer, logger, scanning.Options{
		MaxAge:     cfg.ScanMaxAge,
		MaxSkew:    cfg.ScanMaxSkew,
		BatchLimit: cfg.ScanBatchLimit,
	})
	return New(lifecycle, issuer, registry, processor, occupancy.NewTracker(store)), lifecycle, nil
}
