package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tickd/tickd/internal/errkind"
	"github.com/tickd/tickd/internal/llm"
	"github.com/tickd/tickd/internal/receipt"
	"github.com/tickd/tickd/internal/signal"
	"github.com/tickd/tickd/internal/store"
	"github.com/tickd/tickd/internal/transform"
)

// Stage names, in execution order.
const (
	StageReconstruct    = "reconstruct"
	StagePersistMessage = "persist_message"
	StageExtract        = "extract"
	StageTransform      = "transform"
	StagePersistReceipt = "persist_receipt"
)

// ReceiptStore is the slice of the persistence layer the stages use.
type ReceiptStore interface {
	InsertMessage(ctx context.Context, msg signal.Message) (store.MessageRow, error)
	InsertReceipt(ctx context.Context, data receipt.Data, messageID *int64, attachmentIDs []int64) (int64, error)
}

// PromptSource renders the extraction prompt and resolves category
// names against the known hierarchy.
type PromptSource interface {
	Render(ctx context.Context) (string, error)
	FindClosestCategory(ctx context.Context, main, sub string) (receipt.Category, bool, error)
}

// ExtractFunc sends a prompt plus image paths to the vision model and
// returns the extracted JSON object.
type ExtractFunc func(ctx context.Context, promptText string, imagePaths []string) (string, error)

// VisionExtractor adapts a vision client to ExtractFunc.
func VisionExtractor(client *llm.VisionClient) ExtractFunc {
	return func(ctx context.Context, promptText string, imagePaths []string) (string, error) {
		var req llm.Request
		req.AddPrompt(promptText)
		for _, p := range imagePaths {
			if err := req.AddImage(p); err != nil {
				return "", fmt.Errorf("attach image: %w", err)
			}
		}
		return client.CallJSON(ctx, &req)
	}
}

// StageDeps wires the concrete collaborators into the stage sequence.
type StageDeps struct {
	Store     ReceiptStore
	Prompts   PromptSource
	Extract   ExtractFunc
	Transform *transform.Transformer
	// Exists overrides the attachment existence check. Nil means the
	// local filesystem.
	Exists func(path string) bool
	Logger *slog.Logger
}

// NewStages builds the standard receipt pipeline.
func NewStages(deps StageDeps) []Stage {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return []Stage{
		{
			Name: StageReconstruct,
			Run: func(ctx context.Context, st *State) error {
				msg, err := Reconstruct(st.Request, deps.Exists)
				if err != nil {
					return err
				}
				st.Message = msg
				return nil
			},
		},
		{
			Name: StagePersistMessage,
			Run: func(ctx context.Context, st *State) error {
				row, err := deps.Store.InsertMessage(ctx, st.Message)
				if err != nil {
					return err
				}
				st.Row = row
				return nil
			},
		},
		{
			Name: StageExtract,
			Run: func(ctx context.Context, st *State) error {
				promptText, err := deps.Prompts.Render(ctx)
				if err != nil {
					// Prompt assembly reads the database; treat its
					// failure as a connection problem so it retries.
					return errkind.Wrap(errkind.DBConnect, err)
				}

				var paths []string
				for _, att := range st.Message.Attachments {
					if att.IsImage() {
						paths = append(paths, att.Path)
					}
				}

				raw, err := deps.Extract(ctx, promptText, paths)
				if err != nil {
					return err
				}
				st.RawJSON = raw
				return nil
			},
		},
		{
			Name: StageTransform,
			Run: func(ctx context.Context, st *State) error {
				data, err := deps.Transform.Transform([]byte(st.RawJSON), &st.Row.MessageID)
				if err != nil {
					return err
				}

				for i := range data.Items {
					item := &data.Items[i]
					match, ok, err := deps.Prompts.FindClosestCategory(ctx, item.CategoryMain, item.CategorySub)
					if err != nil {
						return errkind.Wrap(errkind.DBConnect, err)
					}
					if ok {
						item.CategoryMain = match.Main
						item.CategorySub = match.Sub
						continue
					}
					logger.Warn("no close category match, keeping extracted names",
						"product", item.ProductName,
						"category_main", item.CategoryMain,
						"category_sub", item.CategorySub,
					)
				}

				st.Data = data
				return nil
			},
		},
		{
			Name: StagePersistReceipt,
			Run: func(ctx context.Context, st *State) error {
				id, err := deps.Store.InsertReceipt(ctx, st.Data, &st.Row.MessageID, st.Row.AttachmentIDs)
				if err != nil {
					return err
				}
				st.TransactionID = id
				return nil
			},
		},
	}
}
