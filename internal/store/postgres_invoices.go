package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/invoicepipe/invoicepipe/pkg/models"
)

const invoiceColumns = `id, drive_file_id, original_file_name, invoice_number, invoice_date,
	order_id, vendor_name, bill_to_name, ship_to_city, ship_to_state, ship_to_country,
	ship_mode, subtotal, discount_percentage, discount_amount, shipping_cost, total_amount,
	balance_due, currency, notes, terms, extracted_data, created_at, updated_at`

// --- Invoices ---

func (s *PostgresStore) GetInvoice(ctx context.Context, id uuid.UUID) (*models.Invoice, error) {
	inv, err := s.getInvoice(ctx, `WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	if err := s.loadLines(ctx, inv); err != nil {
		return nil, err
	}
	return inv, nil
}

func (s *PostgresStore) GetInvoiceByFileID(ctx context.Context, fileID string) (*models.Invoice, error) {
	inv, err := s.getInvoice(ctx, `WHERE drive_file_id = $1`, fileID)
	if err != nil {
		return nil, err
	}
	if err := s.loadLines(ctx, inv); err != nil {
		return nil, err
	}
	return inv, nil
}

func (s *PostgresStore) getInvoice(ctx context.Context, where string, arg any) (*models.Invoice, error) {
	var inv models.Invoice
	err := s.pool.QueryRow(ctx,
		`SELECT `+invoiceColumns+` FROM invoices `+where, arg,
	).Scan(&inv.ID, &inv.DriveFileID, &inv.OriginalFileName, &inv.InvoiceNumber, &inv.InvoiceDate,
		&inv.OrderID, &inv.VendorName, &inv.BillToName, &inv.ShipToCity, &inv.ShipToState,
		&inv.ShipToCountry, &inv.ShipMode, &inv.Subtotal, &inv.DiscountPercentage,
		&inv.DiscountAmount, &inv.ShippingCost, &inv.TotalAmount, &inv.BalanceDue,
		&inv.Currency, &inv.Notes, &inv.Terms, &inv.ExtractedData, &inv.CreatedAt, &inv.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get invoice: %w", err)
	}
	return &inv, nil
}

func (s *PostgresStore) loadLines(ctx context.Context, inv *models.Invoice) error {
	rows, err := s.pool.Query(ctx,
		`SELECT id, invoice_id, product_ref, product_id, product_name, category, quantity, unit_rate, amount, created_at
		 FROM invoice_lines WHERE invoice_id = $1 ORDER BY created_at ASC, id ASC`, inv.ID)
	if err != nil {
		return fmt.Errorf("load invoice lines: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var l models.InvoiceLine
		if err := rows.Scan(&l.ID, &l.InvoiceID, &l.ProductRef, &l.ProductID, &l.ProductName,
			&l.Category, &l.Quantity, &l.UnitRate, &l.Amount, &l.CreatedAt); err != nil {
			return fmt.Errorf("scan invoice line: %w", err)
		}
		inv.Lines = append(inv.Lines, &l)
	}
	return rows.Err()
}

// --- Products ---

func (s *PostgresStore) GetProduct(ctx context.Context, vendorID *uuid.UUID, productID string) (*models.Product, error) {
	var p models.Product
	err := s.pool.QueryRow(ctx,
		`SELECT id, vendor_id, product_id, product_name, category, primary_category, secondary_category,
		        default_unit_rate, total_quantity_sold, total_revenue, invoice_count, last_sold_date,
		        created_at, updated_at
		 FROM products
		 WHERE COALESCE(vendor_id, '00000000-0000-0000-0000-000000000000'::uuid) =
		       COALESCE($1, '00000000-0000-0000-0000-000000000000'::uuid)
		   AND product_id = $2`, vendorID, productID,
	).Scan(&p.ID, &p.VendorID, &p.ProductID, &p.ProductName, &p.Category, &p.PrimaryCategory,
		&p.SecondaryCategory, &p.DefaultUnitRate, &p.TotalQuantitySold, &p.TotalRevenue,
		&p.InvoiceCount, &p.LastSoldDate, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get product: %w", err)
	}
	return &p, nil
}

// --- Extraction persistence ---

// SaveExtraction writes a completed extraction in one transaction: the
// invoice header is created or updated in place, its line items are replaced
// wholesale, product aggregates are netted against the previous lines before
// the new ones are applied, and the originating job is moved to COMPLETED.
// If the job is already terminal the whole transaction rolls back.
func (s *PostgresStore) SaveExtraction(ctx context.Context, save ExtractionSave) (*models.Invoice, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin save extraction: %w", err)
	}
	defer tx.Rollback(ctx)

	inv, err := s.upsertInvoiceHeader(ctx, tx, save)
	if err != nil {
		return nil, err
	}

	if err := s.reverseLineContributions(ctx, tx, inv.ID); err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx, `DELETE FROM invoice_lines WHERE invoice_id = $1`, inv.ID); err != nil {
		return nil, fmt.Errorf("delete old invoice lines: %w", err)
	}

	if err := s.insertLines(ctx, tx, inv, save); err != nil {
		return nil, err
	}

	tag, err := tx.Exec(ctx,
		`UPDATE jobs
		 SET status = $2, locked_by = NULL, locked_at = NULL, last_error = NULL, updated_at = NOW()
		 WHERE id = $1 AND status IN ($3, $4)`,
		save.JobID, models.JobStatusCompleted, models.JobStatusPending, models.JobStatusProcessing)
	if err != nil {
		return nil, fmt.Errorf("complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("%w: job %s not completable", ErrIllegalTransition, save.JobID)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit save extraction: %w", err)
	}
	return inv, nil
}

func (s *PostgresStore) upsertInvoiceHeader(ctx context.Context, tx pgx.Tx, save ExtractionSave) (*models.Invoice, error) {
	h := save.Header

	var existingID uuid.UUID
	err := tx.QueryRow(ctx,
		`SELECT id FROM invoices WHERE drive_file_id = $1 FOR UPDATE`, save.FileID,
	).Scan(&existingID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("lock invoice: %w", err)
	}

	var inv models.Invoice
	if errors.Is(err, pgx.ErrNoRows) {
		err = tx.QueryRow(ctx,
			`INSERT INTO invoices (`+invoiceColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, NOW(), NOW())
			 RETURNING `+invoiceColumns,
			uuid.New(), save.FileID, save.FileName, h.InvoiceNumber, h.InvoiceDate,
			h.OrderID, h.VendorName, h.BillToName, h.ShipToCity, h.ShipToState, h.ShipToCountry,
			h.ShipMode, h.Subtotal, h.DiscountPercentage, h.DiscountAmount, h.ShippingCost,
			h.TotalAmount, h.BalanceDue, h.Currency, h.Notes, h.Terms, h.ExtractedData,
		).Scan(&inv.ID, &inv.DriveFileID, &inv.OriginalFileName, &inv.InvoiceNumber, &inv.InvoiceDate,
			&inv.OrderID, &inv.VendorName, &inv.BillToName, &inv.ShipToCity, &inv.ShipToState,
			&inv.ShipToCountry, &inv.ShipMode, &inv.Subtotal, &inv.DiscountPercentage,
			&inv.DiscountAmount, &inv.ShippingCost, &inv.TotalAmount, &inv.BalanceDue,
			&inv.Currency, &inv.Notes, &inv.Terms, &inv.ExtractedData, &inv.CreatedAt, &inv.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("insert invoice: %w", err)
		}
		return &inv, nil
	}

	err = tx.QueryRow(ctx,
		`UPDATE invoices SET
		     original_file_name = $2, invoice_number = $3, invoice_date = $4, order_id = $5,
		     vendor_name = $6, bill_to_name = $7, ship_to_city = $8, ship_to_state = $9,
		     ship_to_country = $10, ship_mode = $11, subtotal = $12, discount_percentage = $13,
		     discount_amount = $14, shipping_cost = $15, total_amount = $16, balance_due = $17,
		     currency = $18, notes = $19, terms = $20, extracted_data = $21, updated_at = NOW()
		 WHERE id = $1
		 RETURNING `+invoiceColumns,
		existingID, save.FileName, h.InvoiceNumber, h.InvoiceDate, h.OrderID,
		h.VendorName, h.BillToName, h.ShipToCity, h.ShipToState, h.ShipToCountry,
		h.ShipMode, h.Subtotal, h.DiscountPercentage, h.DiscountAmount, h.ShippingCost,
		h.TotalAmount, h.BalanceDue, h.Currency, h.Notes, h.Terms, h.ExtractedData,
	).Scan(&inv.ID, &inv.DriveFileID, &inv.OriginalFileName, &inv.InvoiceNumber, &inv.InvoiceDate,
		&inv.OrderID, &inv.VendorName, &inv.BillToName, &inv.ShipToCity, &inv.ShipToState,
		&inv.ShipToCountry, &inv.ShipMode, &inv.Subtotal, &inv.DiscountPercentage,
		&inv.DiscountAmount, &inv.ShippingCost, &inv.TotalAmount, &inv.BalanceDue,
		&inv.Currency, &inv.Notes, &inv.Terms, &inv.ExtractedData, &inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("update invoice: %w", err)
	}
	return &inv, nil
}

// reverseLineContributions subtracts the invoice's current line items from
// the product aggregates so the replacement lines net correctly. Each
// product's invoice_count drops by one regardless of how many lines
// referenced it.
func (s *PostgresStore) reverseLineContributions(ctx context.Context, tx pgx.Tx, invoiceID uuid.UUID) error {
	_, err := tx.Exec(ctx,
		`UPDATE products p
		 SET total_quantity_sold = p.total_quantity_sold - old.quantity,
		     total_revenue = p.total_revenue - old.amount,
		     invoice_count = GREATEST(p.invoice_count - 1, 0),
		     updated_at = NOW()
		 FROM (
		     SELECT product_ref, SUM(quantity) AS quantity, SUM(amount) AS amount
		     FROM invoice_lines WHERE invoice_id = $1 GROUP BY product_ref
		 ) old
		 WHERE p.id = old.product_ref`, invoiceID)
	if err != nil {
		return fmt.Errorf("reverse product aggregates: %w", err)
	}
	return nil
}

func (s *PostgresStore) insertLines(ctx context.Context, tx pgx.Tx, inv *models.Invoice, save ExtractionSave) error {
	// Products are resolved once per business id within the transaction so
	// repeated lines share a row, and invoice_count moves once per distinct
	// product no matter how many lines reference it.
	productCache := make(map[string]uuid.UUID)
	qtyDelta := make(map[uuid.UUID]float64)
	revenueDelta := make(map[uuid.UUID]float64)

	inv.Lines = inv.Lines[:0]
	for _, line := range save.Lines {
		productRef, ok := productCache[line.ProductID]
		if !ok {
			var err error
			productRef, err = s.findOrCreateProduct(ctx, tx, save.VendorID, line)
			if err != nil {
				return err
			}
			productCache[line.ProductID] = productRef
		}

		l := &models.InvoiceLine{
			ID:          uuid.New(),
			InvoiceID:   inv.ID,
			ProductRef:  productRef,
			ProductID:   line.ProductID,
			ProductName: line.ProductName,
			Category:    line.Category,
			Quantity:    line.Quantity,
			UnitRate:    line.UnitRate,
			Amount:      line.Amount,
		}
		err := tx.QueryRow(ctx,
			`INSERT INTO invoice_lines (id, invoice_id, product_ref, product_id, product_name, category, quantity, unit_rate, amount)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 RETURNING created_at`,
			l.ID, l.InvoiceID, l.ProductRef, l.ProductID, l.ProductName, l.Category,
			l.Quantity, l.UnitRate, l.Amount,
		).Scan(&l.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert invoice line: %w", err)
		}
		inv.Lines = append(inv.Lines, l)

		qtyDelta[productRef] += line.Quantity
		revenueDelta[productRef] += line.Amount
	}

	var soldDate time.Time
	if inv.InvoiceDate != nil {
		soldDate = *inv.InvoiceDate
	} else {
		soldDate = time.Now().UTC()
	}

	for productRef, qty := range qtyDelta {
		_, err := tx.Exec(ctx,
			`UPDATE products
			 SET total_quantity_sold = total_quantity_sold + $2,
			     total_revenue = total_revenue + $3,
			     invoice_count = invoice_count + 1,
			     last_sold_date = GREATEST(COALESCE(last_sold_date, $4::timestamptz), $4),
			     updated_at = NOW()
			 WHERE id = $1`,
			productRef, qty, revenueDelta[productRef], soldDate)
		if err != nil {
			return fmt.Errorf("apply product aggregates: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) findOrCreateProduct(ctx context.Context, tx pgx.Tx, vendorID *uuid.UUID, line LineInput) (uuid.UUID, error) {
	var id uuid.UUID
	err := tx.QueryRow(ctx,
		`SELECT id FROM products
		 WHERE COALESCE(vendor_id, '00000000-0000-0000-0000-000000000000'::uuid) =
		       COALESCE($1, '00000000-0000-0000-0000-000000000000'::uuid)
		   AND product_id = $2`, vendorID, line.ProductID,
	).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, fmt.Errorf("find product: %w", err)
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO products (id, vendor_id, product_id, product_name, category, default_unit_rate)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (COALESCE(vendor_id, '00000000-0000-0000-0000-000000000000'::uuid), product_id)
		 DO UPDATE SET updated_at = NOW()
		 RETURNING id`,
		uuid.New(), vendorID, line.ProductID, line.ProductName, line.Category, line.UnitRate,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("create product: %w", err)
	}
	return id, nil
}
