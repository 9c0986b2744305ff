// Package transform converts the raw JSON produced by the vision model
// into typed receipt data, validating the schema along the way.
package transform

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tickd/tickd/internal/errkind"
	"github.com/tickd/tickd/internal/receipt"
)

const (
	dateLayout      = "2006-01-02"
	timeLayout      = "15:04:05"
	timeLayoutNoSec = "15:04"
)

// lineTolerance is the advisory threshold for quantity times unit price
// versus the printed line total.
var lineTolerance = decimal.NewFromFloat(0.05)

// Raw wire shapes. Amounts arrive as strings or bare numbers depending
// on the model's mood, so they decode through json.RawMessage.

type rawReceipt struct {
	Magasin     *rawStore       `json:"magasin"`
	Transaction *rawTransaction `json:"transaction"`
	Devise      string          `json:"devise"`
	Total       json.RawMessage `json:"total"`
	Articles    []rawArticle    `json:"articles"`
}

type rawStore struct {
	Nom        string  `json:"nom"`
	Adresse    *string `json:"adresse"`
	CodePostal *string `json:"code_postal"`
	Ville      *string `json:"ville"`
	Pays       *string `json:"pays"`
	Telephone  *string `json:"telephone"`
}

type rawTransaction struct {
	Date         string  `json:"date"`
	Heure        *string `json:"heure"`
	NumeroTicket *string `json:"numero_ticket"`
	ModePaiement *string `json:"mode_paiement"`
	CategoryID   *int64  `json:"category_id"`
}

type rawArticle struct {
	Nom           string          `json:"nom"`
	Reference     *string         `json:"reference"`
	Marque        *string         `json:"marque"`
	Quantite      json.RawMessage `json:"quantite"`
	PrixUnitaire  json.RawMessage `json:"prix_unitaire"`
	PrixTotal     json.RawMessage `json:"prix_total"`
	TVA           *string         `json:"tva"`
	Categorie     string          `json:"categorie"`
	SousCategorie string          `json:"sous_categorie"`
}

// Transformer validates and converts extraction output.
type Transformer struct {
	logger *slog.Logger
}

// New creates a transformer.
func New(logger *slog.Logger) *Transformer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transformer{logger: logger}
}

// Transform parses raw model JSON into receipt data. Any missing or
// malformed required field is a TRANSFORM_SCHEMA error. An unparseable
// time is tolerated (nil plus a warning); a bad date is not.
func (t *Transformer) Transform(raw []byte, messageID *int64) (receipt.Data, error) {
	var in rawReceipt
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&in); err != nil {
		return receipt.Data{}, errkind.Wrap(errkind.TransformSchema,
			fmt.Errorf("parse extraction JSON: %w", err))
	}

	if in.Magasin == nil || strings.TrimSpace(in.Magasin.Nom) == "" {
		return receipt.Data{}, errkind.New(errkind.TransformSchema, "missing store name")
	}
	if in.Transaction == nil {
		return receipt.Data{}, errkind.New(errkind.TransformSchema, "missing transaction block")
	}
	if !receipt.Currencies[in.Devise] {
		return receipt.Data{}, errkind.New(errkind.TransformSchema,
			"unsupported currency %q", in.Devise)
	}
	if len(in.Articles) == 0 {
		return receipt.Data{}, errkind.New(errkind.TransformSchema, "no articles")
	}

	date, err := time.Parse(dateLayout, in.Transaction.Date)
	if err != nil {
		return receipt.Data{}, errkind.New(errkind.TransformSchema,
			"invalid date %q", in.Transaction.Date)
	}

	var txTime *time.Time
	if in.Transaction.Heure != nil && *in.Transaction.Heure != "" {
		txTime = t.parseTime(*in.Transaction.Heure)
	}

	total, err := parseAmount(in.Total)
	if err != nil {
		return receipt.Data{}, errkind.New(errkind.TransformSchema, "invalid total: %v", err)
	}

	data := receipt.Data{
		Store: receipt.Store{
			StoreName:   strings.TrimSpace(in.Magasin.Nom),
			Address:     deref(in.Magasin.Adresse),
			PostalCode:  deref(in.Magasin.CodePostal),
			City:        deref(in.Magasin.Ville),
			CountryCode: deref(in.Magasin.Pays),
			Phone:       deref(in.Magasin.Telephone),
		},
		Transaction: receipt.Transaction{
			MessageID:     messageID,
			CategoryID:    in.Transaction.CategoryID,
			ReceiptNumber: deref(in.Transaction.NumeroTicket),
			Date:          date,
			Time:          txTime,
			Currency:      in.Devise,
			Total:         total,
			PaymentMethod: deref(in.Transaction.ModePaiement),
			Source:        "signal",
		},
	}

	for idx, article := range in.Articles {
		line := idx + 1
		if strings.TrimSpace(article.Nom) == "" {
			return receipt.Data{}, errkind.New(errkind.TransformSchema,
				"article %d: missing name", line)
		}
		qty, err := parseAmount(article.Quantite)
		if err != nil {
			return receipt.Data{}, errkind.New(errkind.TransformSchema,
				"article %d: invalid quantity: %v", line, err)
		}
		unit, err := parseAmount(article.PrixUnitaire)
		if err != nil {
			return receipt.Data{}, errkind.New(errkind.TransformSchema,
				"article %d: invalid unit price: %v", line, err)
		}
		lineTotal, err := parseAmount(article.PrixTotal)
		if err != nil {
			return receipt.Data{}, errkind.New(errkind.TransformSchema,
				"article %d: invalid total price: %v", line, err)
		}

		if diff := lineTotal.Sub(qty.Mul(unit)).Abs(); diff.GreaterThan(lineTolerance) {
			t.logger.Warn("line total does not match quantity times unit price",
				"line", line,
				"product", article.Nom,
				"quantity", qty.String(),
				"unit_price", unit.String(),
				"total_price", lineTotal.String(),
				"difference", diff.String(),
			)
		}

		data.Items = append(data.Items, receipt.Item{
			ProductName:      strings.TrimSpace(article.Nom),
			ProductReference: deref(article.Reference),
			Brand:            deref(article.Marque),
			Quantity:         qty,
			UnitPrice:        unit,
			TotalPrice:       lineTotal,
			VATRate:          deref(article.TVA),
			CategoryMain:     article.Categorie,
			CategorySub:      article.SousCategorie,
			LineNumber:       line,
		})
	}

	return data, nil
}

// parseTime accepts HH:MM:SS then HH:MM; anything else logs a warning
// and yields nil.
func (t *Transformer) parseTime(s string) *time.Time {
	for _, layout := range []string{timeLayout, timeLayoutNoSec} {
		if parsed, err := time.Parse(layout, s); err == nil {
			return &parsed
		}
	}
	t.logger.Warn("unrecognised time format, storing null", "value", s)
	return nil
}

// parseAmount decodes a JSON string or number token into a decimal
// without a float round-trip.
func parseAmount(raw json.RawMessage) (decimal.Decimal, error) {
	if len(raw) == 0 {
		return decimal.Decimal{}, fmt.Errorf("missing value")
	}
	token := strings.TrimSpace(string(raw))
	if token == "null" {
		return decimal.Decimal{}, fmt.Errorf("null value")
	}
	if strings.HasPrefix(token, `"`) {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return decimal.Decimal{}, err
		}
		token = strings.TrimSpace(s)
	}
	d, err := decimal.NewFromString(token)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse %q: %w", token, err)
	}
	return d, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
