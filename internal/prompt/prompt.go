// Package prompt assembles the extraction prompt from an embedded
// template and the category hierarchy stored in the database, and
// offers fuzzy category matching for validating model output.
package prompt

import (
	"context"
	_ "embed"
	"fmt"
	"sort"
	"strings"

	"github.com/tickd/tickd/internal/receipt"
)

//go:embed tickets.txt
var ticketsTemplate string

const (
	itemCategoriesPlaceholder        = "[item_categories]"
	transactionCategoriesPlaceholder = "[transaction_categories]"
)

// CategorySource provides the category lists the template needs.
type CategorySource interface {
	ItemCategories(ctx context.Context) ([]receipt.Category, error)
	TransactionCategories(ctx context.Context) ([]receipt.TransactionCategory, error)
}

// Builder renders prompts and resolves extracted category names against
// the known hierarchy.
type Builder struct {
	source CategorySource
}

// NewBuilder creates a prompt builder over a category source.
func NewBuilder(source CategorySource) *Builder {
	return &Builder{source: source}
}

// Render produces the extraction prompt with both placeholders replaced
// by the current database contents.
func (b *Builder) Render(ctx context.Context) (string, error) {
	itemCats, err := b.source.ItemCategories(ctx)
	if err != nil {
		return "", fmt.Errorf("load item categories: %w", err)
	}
	txCats, err := b.source.TransactionCategories(ctx)
	if err != nil {
		return "", fmt.Errorf("load transaction categories: %w", err)
	}

	out := strings.ReplaceAll(ticketsTemplate, itemCategoriesPlaceholder, formatItemCategories(itemCats))
	out = strings.ReplaceAll(out, transactionCategoriesPlaceholder, formatTransactionCategories(txCats))
	return out, nil
}

// formatItemCategories groups sub-categories under their main category.
func formatItemCategories(cats []receipt.Category) string {
	if len(cats) == 0 {
		return "Aucune catégorie disponible."
	}

	grouped := make(map[string][]string)
	for _, c := range cats {
		grouped[c.Main] = append(grouped[c.Main], c.Sub)
	}

	mains := make([]string, 0, len(grouped))
	for main := range grouped {
		mains = append(mains, main)
	}
	sort.Strings(mains)

	var lines []string
	for i, main := range mains {
		if i > 0 {
			lines = append(lines, "")
		}
		lines = append(lines, fmt.Sprintf("   %s:", main))
		for _, sub := range grouped[main] {
			lines = append(lines, fmt.Sprintf("      - %s", sub))
		}
	}
	return strings.Join(lines, "\n")
}

func formatTransactionCategories(cats []receipt.TransactionCategory) string {
	if len(cats) == 0 {
		return "Aucune catégorie de transaction disponible."
	}
	lines := make([]string, 0, len(cats))
	for _, c := range cats {
		lines = append(lines, fmt.Sprintf("   - ID %d: %s", c.ID, c.Name))
	}
	return strings.Join(lines, "\n")
}

// FindClosestCategory resolves a (main, sub) pair extracted by the
// model against the known hierarchy. Exact matches win; otherwise the
// pair with the highest weighted similarity (0.6 main, 0.4 sub) is
// returned when it scores above 0.5. The boolean is false when nothing
// matches.
func (b *Builder) FindClosestCategory(ctx context.Context, main, sub string) (receipt.Category, bool, error) {
	cats, err := b.source.ItemCategories(ctx)
	if err != nil {
		return receipt.Category{}, false, fmt.Errorf("load item categories: %w", err)
	}
	c, ok := ClosestCategory(cats, main, sub)
	return c, ok, nil
}

// ClosestCategory is the pure matching core of FindClosestCategory.
func ClosestCategory(cats []receipt.Category, main, sub string) (receipt.Category, bool) {
	if len(cats) == 0 {
		return receipt.Category{}, false
	}

	mainLower := strings.ToLower(strings.TrimSpace(main))
	subLower := strings.ToLower(strings.TrimSpace(sub))

	for _, c := range cats {
		if strings.ToLower(c.Main) != mainLower {
			continue
		}
		if subLower == "" || strings.ToLower(c.Sub) == subLower {
			return c, true
		}
	}

	var best receipt.Category
	bestScore := 0.0
	for _, c := range cats {
		score := similarity(mainLower, strings.ToLower(c.Main))
		if subLower != "" {
			score = score*0.6 + similarity(subLower, strings.ToLower(c.Sub))*0.4
		}
		if score > bestScore {
			bestScore = score
			best = c
		}
	}

	if bestScore > 0.5 {
		return best, true
	}
	return receipt.Category{}, false
}

// similarity is the classic Ratcliff/Obershelp ratio: twice the total
// length of matching blocks divided by the combined string length.
func similarity(a, b string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	matched := matchingBlocks(a, b)
	return 2 * float64(matched) / float64(len(a)+len(b))
}

// matchingBlocks sums the lengths of recursively found longest common
// substrings, mirroring difflib's get_matching_blocks.
func matchingBlocks(a, b string) int {
	la, lb, size := longestMatch(a, b)
	if size == 0 {
		return 0
	}
	total := size
	total += matchingBlocks(a[:la], b[:lb])
	total += matchingBlocks(a[la+size:], b[lb+size:])
	return total
}

// longestMatch finds the longest common substring of a and b, returning
// its start in each string and its length.
func longestMatch(a, b string) (int, int, int) {
	bestA, bestB, bestSize := 0, 0, 0
	// lengths[j] holds the match length ending at a[i-1], b[j-1].
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				cur[j] = prev[j-1] + 1
				if cur[j] > bestSize {
					bestSize = cur[j]
					bestA = i - bestSize
					bestB = j - bestSize
				}
			} else {
				cur[j] = 0
			}
		}
		prev, cur = cur, prev
	}
	return bestA, bestB, bestSize
}
