package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Invoice is the business record materialized from a completed extraction.
// Exactly one invoice exists per drive file id; re-extracting the same file
// keeps the invoice identity and fully replaces its line items.
type Invoice struct {
	ID                 uuid.UUID       `db:"id"                  json:"id"`
	DriveFileID        string          `db:"drive_file_id"       json:"drive_file_id"`
	OriginalFileName   *string         `db:"original_file_name"  json:"original_file_name,omitempty"`
	InvoiceNumber      *string         `db:"invoice_number"      json:"invoice_number,omitempty"`
	InvoiceDate        *time.Time      `db:"invoice_date"        json:"invoice_date,omitempty"`
	OrderID            *string         `db:"order_id"            json:"order_id,omitempty"`
	VendorName         *string         `db:"vendor_name"         json:"vendor_name,omitempty"`
	BillToName         *string         `db:"bill_to_name"        json:"bill_to_name,omitempty"`
	ShipToCity         *string         `db:"ship_to_city"        json:"ship_to_city,omitempty"`
	ShipToState        *string         `db:"ship_to_state"       json:"ship_to_state,omitempty"`
	ShipToCountry      *string         `db:"ship_to_country"     json:"ship_to_country,omitempty"`
	ShipMode           *string         `db:"ship_mode"           json:"ship_mode,omitempty"`
	Subtotal           *float64        `db:"subtotal"            json:"subtotal,omitempty"`
	DiscountPercentage *float64        `db:"discount_percentage" json:"discount_percentage,omitempty"`
	DiscountAmount     *float64        `db:"discount_amount"     json:"discount_amount,omitempty"`
	ShippingCost       *float64        `db:"shipping_cost"       json:"shipping_cost,omitempty"`
	TotalAmount        *float64        `db:"total_amount"        json:"total_amount,omitempty"`
	BalanceDue         *float64        `db:"balance_due"         json:"balance_due,omitempty"`
	Currency           string          `db:"currency"            json:"currency"`
	Notes              *string         `db:"notes"               json:"notes,omitempty"`
	Terms              *string         `db:"terms"               json:"terms,omitempty"`
	ExtractedData      json.RawMessage `db:"extracted_data"      json:"extracted_data,omitempty"`
	CreatedAt          time.Time       `db:"created_at"          json:"created_at"`
	UpdatedAt          time.Time       `db:"updated_at"          json:"updated_at"`

	Lines []*InvoiceLine `db:"-" json:"lines,omitempty"`
}

// InvoiceLine is one extracted line item. Lines are replaced wholesale when
// the parent invoice is re-extracted and cascade-deleted with it.
type InvoiceLine struct {
	ID          uuid.UUID `db:"id"           json:"id"`
	InvoiceID   uuid.UUID `db:"invoice_id"   json:"invoice_id"`
	ProductRef  uuid.UUID `db:"product_ref"  json:"product_ref"`
	ProductID   string    `db:"product_id"   json:"product_id"`
	ProductName string    `db:"product_name" json:"product_name"`
	Category    *string   `db:"category"     json:"category,omitempty"`
	Quantity    float64   `db:"quantity"     json:"quantity"`
	UnitRate    float64   `db:"unit_rate"    json:"unit_rate"`
	Amount      float64   `db:"amount"       json:"amount"`
	CreatedAt   time.Time `db:"created_at"   json:"created_at"`
}
