package models

// ExtractedInvoice is the worker's extraction result payload. Every field
// except the critical ones (InvoiceNumber, TotalAmount, LineItems) is
// optional; pointers distinguish absent from zero.
type ExtractedInvoice struct {
	InvoiceNumber *string              `json:"InvoiceNumber"`
	InvoiceDate   *string              `json:"InvoiceDate"`
	OrderID       *string              `json:"OrderId"`
	VendorName    *string              `json:"VendorName"`
	ShipMode      *string              `json:"ShipMode"`
	Currency      *string              `json:"Currency"`
	Notes         *string              `json:"Notes"`
	Terms         *string              `json:"Terms"`
	BillTo        *ExtractedParty      `json:"BillTo"`
	ShipTo        *ExtractedAddress    `json:"ShipTo"`
	Subtotal      *float64             `json:"Subtotal"`
	ShippingCost  *float64             `json:"ShippingCost"`
	TotalAmount   *float64             `json:"TotalAmount"`
	BalanceDue    *float64             `json:"BalanceDue"`
	Discount      *ExtractedDiscount   `json:"Discount"`
	LineItems     []ExtractedLineItem  `json:"LineItems"`
}

type ExtractedParty struct {
	Name *string `json:"Name"`
}

type ExtractedAddress struct {
	City    *string `json:"City"`
	State   *string `json:"State"`
	Country *string `json:"Country"`
}

type ExtractedDiscount struct {
	Percentage *float64 `json:"Percentage"`
	Amount     *float64 `json:"Amount"`
}

type ExtractedLineItem struct {
	ProductID   *string  `json:"ProductId"`
	ProductName *string  `json:"ProductName"`
	Category    *string  `json:"Category"`
	Quantity    *float64 `json:"Quantity"`
	UnitRate    *float64 `json:"UnitRate"`
	Amount      *float64 `json:"Amount"`
}
