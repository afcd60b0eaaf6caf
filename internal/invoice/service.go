package invoice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/invoicepipe/invoicepipe/internal/store"
	"github.com/invoicepipe/invoicepipe/pkg/models"
)

// ErrValidation marks a structurally unusable extraction payload. These are
// hard rejects: they never consume a retry attempt, because re-running the
// same extraction would produce the same payload.
var ErrValidation = errors.New("extraction payload validation failed")

const defaultCurrency = "USD"

// Service materializes extraction results into invoices, line items and
// product aggregates.
type Service struct {
	store  store.Store
	logger *slog.Logger
}

func NewService(st store.Store, logger *slog.Logger) *Service {
	return &Service{store: st, logger: logger}
}

// Materialize validates an extraction result and persists it atomically,
// completing the originating job in the same transaction.
func (s *Service) Materialize(ctx context.Context, job *models.Job, result json.RawMessage) (*models.Invoice, error) {
	var extracted models.ExtractedInvoice
	if err := json.Unmarshal(result, &extracted); err != nil {
		return nil, fmt.Errorf("%w: malformed result payload: %v", ErrValidation, err)
	}
	if err := validate(&extracted); err != nil {
		return nil, err
	}

	var payload models.JobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, fmt.Errorf("unmarshal job payload: %w", err)
	}

	save := store.ExtractionSave{
		JobID:    job.ID,
		FileID:   payload.FileID,
		VendorID: payload.VendorID,
		Header:   header(&extracted, result),
	}
	if payload.OriginalName != "" {
		name := payload.OriginalName
		save.FileName = &name
	}

	for i, item := range extracted.LineItems {
		line, ok := lineInput(item)
		if !ok {
			s.logger.Warn("skipping line item with non-positive quantity",
				"job_id", job.ID, "line", i, "product_id", derefStr(item.ProductID))
			continue
		}
		save.Lines = append(save.Lines, line)
	}
	if len(save.Lines) == 0 {
		return nil, fmt.Errorf("%w: no valid line items after filtering", ErrValidation)
	}

	inv, err := s.store.SaveExtraction(ctx, save)
	if err != nil {
		return nil, fmt.Errorf("persist extraction: %w", err)
	}
	s.logger.Info("invoice materialized",
		"job_id", job.ID, "invoice_id", inv.ID, "file_id", payload.FileID, "lines", len(inv.Lines))
	return inv, nil
}

// validate enforces the critical-field contract: an invoice number, a
// positive total and at least one line item must be present.
func validate(e *models.ExtractedInvoice) error {
	if e.InvoiceNumber == nil || *e.InvoiceNumber == "" {
		return fmt.Errorf("%w: missing invoice number", ErrValidation)
	}
	if e.TotalAmount == nil || *e.TotalAmount <= 0 {
		return fmt.Errorf("%w: total amount must be positive", ErrValidation)
	}
	if len(e.LineItems) == 0 {
		return fmt.Errorf("%w: no line items", ErrValidation)
	}
	return nil
}

func header(e *models.ExtractedInvoice, raw json.RawMessage) models.Invoice {
	inv := models.Invoice{
		InvoiceNumber: e.InvoiceNumber,
		OrderID:       e.OrderID,
		VendorName:    e.VendorName,
		ShipMode:      e.ShipMode,
		Subtotal:      e.Subtotal,
		ShippingCost:  e.ShippingCost,
		TotalAmount:   e.TotalAmount,
		BalanceDue:    e.BalanceDue,
		Currency:      defaultCurrency,
		Notes:         e.Notes,
		Terms:         e.Terms,
		ExtractedData: raw,
	}
	if e.Currency != nil && *e.Currency != "" {
		inv.Currency = *e.Currency
	}
	if e.InvoiceDate != nil {
		if d, ok := parseDate(*e.InvoiceDate); ok {
			inv.InvoiceDate = &d
		}
	}
	if e.BillTo != nil {
		inv.BillToName = e.BillTo.Name
	}
	if e.ShipTo != nil {
		inv.ShipToCity = e.ShipTo.City
		inv.ShipToState = e.ShipTo.State
		inv.ShipToCountry = e.ShipTo.Country
	}
	if e.Discount != nil {
		inv.DiscountPercentage = e.Discount.Percentage
		inv.DiscountAmount = e.Discount.Amount
	}
	return inv
}

func lineInput(item models.ExtractedLineItem) (store.LineInput, bool) {
	qty := deref(item.Quantity)
	if qty <= 0 {
		return store.LineInput{}, false
	}

	rate := deref(item.UnitRate)
	amount := deref(item.Amount)
	if amount == 0 {
		amount = qty * rate
	}

	line := store.LineInput{
		ProductID:   derefStr(item.ProductID),
		ProductName: derefStr(item.ProductName),
		Category:    item.Category,
		Quantity:    qty,
		UnitRate:    rate,
		Amount:      amount,
	}
	if line.ProductID == "" {
		line.ProductID = "UNKNOWN"
	}
	if line.ProductName == "" {
		line.ProductName = line.ProductID
	}
	return line, true
}

// parseDate accepts the date shapes extraction workers have been seen to
// emit.
func parseDate(s string) (time.Time, bool) {
	for _, layout := range []string{time.RFC3339, "2006-01-02", "01/02/2006", "02-01-2006"} {
		if d, err := time.Parse(layout, s); err == nil {
			return d.UTC(), true
		}
	}
	return time.Time{}, false
}

func deref(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
