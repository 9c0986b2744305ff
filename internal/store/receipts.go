package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/tickd/tickd/internal/errkind"
	"github.com/tickd/tickd/internal/receipt"
)

// InsertReceipt persists a transformed receipt: store upsert, category
// resolution, the transaction row, every item with its category and
// mapping, and the transaction↔attachment links. When attachmentIDs is
// empty but messageID is set, the attachments are derived from the
// message mapping table. Returns the transaction id.
func (s *Store) InsertReceipt(ctx context.Context, data receipt.Data, messageID *int64, attachmentIDs []int64) (int64, error) {
	var transactionID int64

	err := s.withTx(ctx, func(tx pgx.Tx) error {
		storeID, err := upsertStore(ctx, tx, data.Store)
		if err != nil {
			return err
		}

		categoryID := data.Transaction.CategoryID
		if name := strings.TrimSpace(data.Transaction.CategoryName); name != "" {
			id, err := resolveTransactionCategory(ctx, tx, strings.ToLower(name))
			if err != nil {
				return err
			}
			categoryID = &id
		}

		err = tx.QueryRow(ctx, `
			INSERT INTO transaction (
				message_id, store_id, transaction_category_id, receipt_number,
				transaction_date, transaction_time, currency, total,
				payment_method, source, processed_at
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, CURRENT_TIMESTAMP)
			RETURNING transaction_id
		`, messageID, storeID, categoryID, nullable(data.Transaction.ReceiptNumber),
			data.Transaction.Date, data.Transaction.Time,
			data.Transaction.Currency, data.Transaction.Total.String(),
			nullable(data.Transaction.PaymentMethod), data.Transaction.Source,
		).Scan(&transactionID)
		if err != nil {
			return fmt.Errorf("insert transaction: %w", err)
		}

		for _, item := range data.Items {
			itemCategoryID, err := resolveItemCategory(ctx, tx, item.CategoryMain, item.CategorySub)
			if err != nil {
				return err
			}

			var itemID int64
			err = tx.QueryRow(ctx, `
				INSERT INTO item (
					product_name, product_reference, brand,
					quantity, unit_price, total_price, vat_rate,
					category_id, line_number
				)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
				RETURNING item_id
			`, item.ProductName, nullable(item.ProductReference), nullable(item.Brand),
				item.Quantity.String(), item.UnitPrice.String(), item.TotalPrice.String(),
				nullable(item.VATRate), itemCategoryID, item.LineNumber,
			).Scan(&itemID)
			if err != nil {
				return fmt.Errorf("insert item %d: %w", item.LineNumber, err)
			}

			if _, err := tx.Exec(ctx, `
				INSERT INTO transaction_item_mapping (transaction_id, item_id)
				VALUES ($1, $2)
			`, transactionID, itemID); err != nil {
				return fmt.Errorf("map item %d: %w", item.LineNumber, err)
			}
		}

		if len(attachmentIDs) == 0 && messageID != nil {
			attachmentIDs, err = messageAttachmentIDs(ctx, tx, *messageID)
			if err != nil {
				return err
			}
		}
		for _, attID := range attachmentIDs {
			if _, err := tx.Exec(ctx, `
				INSERT INTO transaction_attachment_mapping (transaction_id, attachment_id)
				VALUES ($1, $2)
				ON CONFLICT DO NOTHING
			`, transactionID, attID); err != nil {
				return fmt.Errorf("map attachment %d: %w", attID, err)
			}
		}

		return nil
	})

	if err != nil {
		return 0, errkind.Wrap(errkind.DBInsertReceipt, err)
	}

	s.logger.Info("receipt persisted",
		"transaction_id", transactionID,
		"store", data.Store.StoreName,
		"items", len(data.Items),
		"total", data.Transaction.Total.String(),
		"currency", data.Transaction.Currency,
	)
	return transactionID, nil
}

// upsertStore inserts a store or refreshes its mutable fields on the
// (name, city, postal code) natural key.
func upsertStore(ctx context.Context, tx pgx.Tx, st receipt.Store) (int64, error) {
	var id int64
	err := tx.QueryRow(ctx, `
		INSERT INTO store (store_name, address, postal_code, city, country_code, phone)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (store_name, city, postal_code)
		DO UPDATE SET
			address = COALESCE(EXCLUDED.address, store.address),
			phone = COALESCE(EXCLUDED.phone, store.phone),
			updated_at = CURRENT_TIMESTAMP
		RETURNING store_id
	`, st.StoreName, nullable(st.Address), nullable(st.PostalCode),
		nullable(st.City), nullable(st.CountryCode), nullable(st.Phone)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert store: %w", err)
	}
	return id, nil
}

// resolveTransactionCategory returns the id for a lower-cased category
// name, creating it on first use. DO NOTHING plus a fallback SELECT
// keeps concurrent inserts deadlock-free under read committed.
func resolveTransactionCategory(ctx context.Context, tx pgx.Tx, name string) (int64, error) {
	var id int64
	err := tx.QueryRow(ctx, `
		INSERT INTO transaction_category (name)
		VALUES ($1)
		ON CONFLICT (name) DO NOTHING
		RETURNING category_id
	`, name).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != pgx.ErrNoRows {
		return 0, fmt.Errorf("insert transaction category: %w", err)
	}

	err = tx.QueryRow(ctx, `
		SELECT category_id FROM transaction_category WHERE name = $1
	`, name).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("resolve transaction category %q: %w", name, err)
	}
	return id, nil
}

// resolveItemCategory returns the id for a (main, sub) pair, creating
// it when the extraction produced a pair outside the seeded hierarchy.
func resolveItemCategory(ctx context.Context, tx pgx.Tx, main, sub string) (int64, error) {
	var id int64
	err := tx.QueryRow(ctx, `
		WITH new_category AS (
			INSERT INTO item_category (category_main, category_sub)
			VALUES ($1, $2)
			ON CONFLICT (category_main, category_sub) DO NOTHING
			RETURNING category_id
		)
		SELECT category_id FROM new_category
		UNION ALL
		SELECT category_id FROM item_category
		WHERE category_main = $1 AND category_sub = $2
		LIMIT 1
	`, main, sub).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("resolve item category (%q, %q): %w", main, sub, err)
	}
	return id, nil
}

// messageAttachmentIDs lists the attachments linked to a message.
func messageAttachmentIDs(ctx context.Context, tx pgx.Tx, messageID int64) ([]int64, error) {
	rows, err := tx.Query(ctx, `
		SELECT attachment_id FROM message_attachment_mapping WHERE message_id = $1
	`, messageID)
	if err != nil {
		return nil, fmt.Errorf("message attachments: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
