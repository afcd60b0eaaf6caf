package models

import (
	"time"

	"github.com/google/uuid"
)

// Product is a running aggregate keyed by the business product id, scoped
// per vendor: the same product id uploaded by two vendors is two rows.
// Aggregates reflect the current line items of all invoices; re-extraction
// nets out the previous contribution before adding the new one.
type Product struct {
	ID                uuid.UUID  `db:"id"                  json:"id"`
	VendorID          *uuid.UUID `db:"vendor_id"           json:"vendor_id,omitempty"`
	ProductID         string     `db:"product_id"          json:"product_id"`
	ProductName       string     `db:"product_name"        json:"product_name"`
	Category          *string    `db:"category"            json:"category,omitempty"`
	PrimaryCategory   *string    `db:"primary_category"    json:"primary_category,omitempty"`
	SecondaryCategory *string    `db:"secondary_category"  json:"secondary_category,omitempty"`
	DefaultUnitRate   *float64   `db:"default_unit_rate"   json:"default_unit_rate,omitempty"`
	TotalQuantitySold float64    `db:"total_quantity_sold" json:"total_quantity_sold"`
	TotalRevenue      float64    `db:"total_revenue"       json:"total_revenue"`
	InvoiceCount      int        `db:"invoice_count"       json:"invoice_count"`
	LastSoldDate      *time.Time `db:"last_sold_date"      json:"last_sold_date,omitempty"`
	CreatedAt         time.Time  `db:"created_at"          json:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at"          json:"updated_at"`
}
