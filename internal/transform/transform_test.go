package transform

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/tickd/tickd/internal/errkind"
)

func newTestTransformer() *Transformer {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

const fullReceipt = `{
	"magasin": {
		"nom": "Migros",
		"adresse": "Rue du Marché 12",
		"code_postal": "1204",
		"ville": "Genève",
		"pays": "CH",
		"telephone": null
	},
	"transaction": {
		"date": "2026-08-20",
		"heure": "18:42:07",
		"numero_ticket": "T-4471",
		"mode_paiement": "carte",
		"category_id": 3
	},
	"devise": "CHF",
	"total": "12.34",
	"articles": [
		{
			"nom": "Lait entier",
			"reference": null,
			"marque": "M-Classic",
			"quantite": "2",
			"prix_unitaire": "1.65",
			"prix_total": "3.30",
			"tva": "2.6",
			"categorie": "Alimentation",
			"sous_categorie": "Produits laitiers"
		},
		{
			"nom": "Pain complet",
			"quantite": 1,
			"prix_unitaire": 9.04,
			"prix_total": 9.04,
			"categorie": "Alimentation",
			"sous_categorie": "Boulangerie"
		}
	]
}`

func TestTransformFullReceipt(t *testing.T) {
	messageID := int64(42)
	data, err := newTestTransformer().Transform([]byte(fullReceipt), &messageID)
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}

	if data.Store.StoreName != "Migros" {
		t.Errorf("store name = %q", data.Store.StoreName)
	}
	if data.Store.City != "Genève" || data.Store.Phone != "" {
		t.Errorf("store = %+v", data.Store)
	}

	tx := data.Transaction
	if tx.Date.Format("2006-01-02") != "2026-08-20" {
		t.Errorf("date = %v", tx.Date)
	}
	if tx.Time == nil || tx.Time.Format("15:04:05") != "18:42:07" {
		t.Errorf("time = %v", tx.Time)
	}
	if tx.Currency != "CHF" {
		t.Errorf("currency = %q", tx.Currency)
	}
	if tx.Total.String() != "12.34" {
		t.Errorf("total = %s, want exact 12.34", tx.Total)
	}
	if tx.CategoryID == nil || *tx.CategoryID != 3 {
		t.Errorf("category id = %v", tx.CategoryID)
	}
	if tx.MessageID == nil || *tx.MessageID != 42 {
		t.Errorf("message id = %v", tx.MessageID)
	}
	if tx.Source != "signal" {
		t.Errorf("source = %q", tx.Source)
	}

	if len(data.Items) != 2 {
		t.Fatalf("got %d items, want 2", len(data.Items))
	}
	if data.Items[0].LineNumber != 1 || data.Items[1].LineNumber != 2 {
		t.Errorf("line numbers = %d, %d", data.Items[0].LineNumber, data.Items[1].LineNumber)
	}
	if data.Items[0].Quantity.String() != "2" {
		t.Errorf("quantity = %s", data.Items[0].Quantity)
	}
	// Bare JSON numbers must survive without float drift.
	if data.Items[1].UnitPrice.String() != "9.04" {
		t.Errorf("unit price = %s, want 9.04", data.Items[1].UnitPrice)
	}
}

func TestTransformTimeWithoutSeconds(t *testing.T) {
	raw := []byte(`{
		"magasin": {"nom": "Coop"},
		"transaction": {"date": "2026-01-05", "heure": "09:15"},
		"devise": "CHF",
		"total": "5.00",
		"articles": [{"nom": "Café", "quantite": "1", "prix_unitaire": "5.00", "prix_total": "5.00", "categorie": "Alimentation", "sous_categorie": "Boissons"}]
	}`)

	data, err := newTestTransformer().Transform(raw, nil)
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if data.Transaction.Time == nil || data.Transaction.Time.Format("15:04") != "09:15" {
		t.Errorf("time = %v", data.Transaction.Time)
	}
}

func TestTransformUnparseableTimeIsNull(t *testing.T) {
	raw := []byte(`{
		"magasin": {"nom": "Coop"},
		"transaction": {"date": "2026-01-05", "heure": "18h03"},
		"devise": "EUR",
		"total": "5.00",
		"articles": [{"nom": "Café", "quantite": "1", "prix_unitaire": "5.00", "prix_total": "5.00", "categorie": "Alimentation", "sous_categorie": "Boissons"}]
	}`)

	data, err := newTestTransformer().Transform(raw, nil)
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if data.Transaction.Time != nil {
		t.Errorf("time = %v, want nil for unparseable input", data.Transaction.Time)
	}
}

func TestTransformSchemaErrors(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not json", `{{{`},
		{"missing store", `{"transaction":{"date":"2026-01-05"},"devise":"CHF","total":"1.00","articles":[{"nom":"x","quantite":"1","prix_unitaire":"1.00","prix_total":"1.00","categorie":"a","sous_categorie":"b"}]}`},
		{"bad currency", `{"magasin":{"nom":"Coop"},"transaction":{"date":"2026-01-05"},"devise":"JPY","total":"1.00","articles":[{"nom":"x","quantite":"1","prix_unitaire":"1.00","prix_total":"1.00","categorie":"a","sous_categorie":"b"}]}`},
		{"bad date", `{"magasin":{"nom":"Coop"},"transaction":{"date":"05/01/2026"},"devise":"CHF","total":"1.00","articles":[{"nom":"x","quantite":"1","prix_unitaire":"1.00","prix_total":"1.00","categorie":"a","sous_categorie":"b"}]}`},
		{"no articles", `{"magasin":{"nom":"Coop"},"transaction":{"date":"2026-01-05"},"devise":"CHF","total":"1.00","articles":[]}`},
		{"bad amount", `{"magasin":{"nom":"Coop"},"transaction":{"date":"2026-01-05"},"devise":"CHF","total":"douze","articles":[{"nom":"x","quantite":"1","prix_unitaire":"1.00","prix_total":"1.00","categorie":"a","sous_categorie":"b"}]}`},
		{"article missing name", `{"magasin":{"nom":"Coop"},"transaction":{"date":"2026-01-05"},"devise":"CHF","total":"1.00","articles":[{"nom":"","quantite":"1","prix_unitaire":"1.00","prix_total":"1.00","categorie":"a","sous_categorie":"b"}]}`},
	}

	tr := newTestTransformer()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tr.Transform([]byte(tc.raw), nil)
			if err == nil {
				t.Fatal("expected an error")
			}
			if kind := errkind.Of(err); kind != errkind.TransformSchema {
				t.Errorf("error kind = %s, want TRANSFORM_SCHEMA", kind)
			}
		})
	}
}

func TestTransformErrorsAreNotRetryable(t *testing.T) {
	_, err := newTestTransformer().Transform([]byte(`{`), nil)
	var ke *errkind.Error
	if !errors.As(err, &ke) {
		t.Fatalf("error is not classified: %v", err)
	}
	if errkind.Retryable(ke.Kind) {
		t.Error("schema errors must not be retryable")
	}
}
