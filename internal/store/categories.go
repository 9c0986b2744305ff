package store

import (
	"context"
	"fmt"

	"github.com/tickd/tickd/internal/receipt"
)

// ItemCategories returns all active item categories ordered by main
// then sub, for prompt assembly and validation.
func (s *Store) ItemCategories(ctx context.Context) ([]receipt.Category, error) {
	rows, err := s.db.Query(ctx, `
		SELECT category_main, category_sub, COALESCE(description, '')
		FROM item_category
		WHERE active = TRUE
		ORDER BY category_main, category_sub
	`)
	if err != nil {
		return nil, fmt.Errorf("item categories: %w", err)
	}
	defer rows.Close()

	var cats []receipt.Category
	for rows.Next() {
		c := receipt.Category{Active: true}
		if err := rows.Scan(&c.Main, &c.Sub, &c.Description); err != nil {
			return nil, err
		}
		cats = append(cats, c)
	}
	return cats, rows.Err()
}

// TransactionCategories returns the flat spend category list ordered by
// id.
func (s *Store) TransactionCategories(ctx context.Context) ([]receipt.TransactionCategory, error) {
	rows, err := s.db.Query(ctx, `
		SELECT category_id, name
		FROM transaction_category
		ORDER BY category_id
	`)
	if err != nil {
		return nil, fmt.Errorf("transaction categories: %w", err)
	}
	defer rows.Close()

	var cats []receipt.TransactionCategory
	for rows.Next() {
		var c receipt.TransactionCategory
		if err := rows.Scan(&c.ID, &c.Name); err != nil {
			return nil, err
		}
		cats = append(cats, c)
	}
	return cats, rows.Err()
}
