package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// GroupSender delivers a text message to a Signal group.
type GroupSender interface {
	SendToGroup(ctx context.Context, groupID, text string) error
}

// Notifier turns terminal job results into French status messages sent
// back to the originating Signal group. Delivery failures are logged
// and dropped; a notification never changes a job's outcome.
type Notifier struct {
	sender         GroupSender
	defaultGroupID string
	logger         *slog.Logger
}

// NewNotifier creates a notifier. defaultGroupID is the fallback target
// for direct (non-group) messages; it may be empty.
func NewNotifier(sender GroupSender, defaultGroupID string, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		sender:         sender,
		defaultGroupID: defaultGroupID,
		logger:         logger,
	}
}

// Observe implements the terminal observer contract.
func (n *Notifier) Observe(ctx context.Context, res Result) {
	groupID := res.Tags[TagGroupID]
	if groupID == "" {
		groupID = n.defaultGroupID
	}
	if groupID == "" {
		n.logger.Warn("no group to notify, dropping notification",
			"run_key", res.RunKey, "status", res.Status)
		return
	}

	text := n.render(res)
	if err := n.sender.SendToGroup(ctx, groupID, text); err != nil {
		n.logger.Error("notification delivery failed",
			"run_key", res.RunKey,
			"group_id", groupID,
			"error", err,
		)
		return
	}
	n.logger.Info("notification sent",
		"run_key", res.RunKey,
		"status", res.Status,
		"group_id", groupID,
	)
}

func (n *Notifier) render(res Result) string {
	mention := mentionFor(res.Tags)

	if res.Status == StatusSuccess && res.Data != nil {
		return fmt.Sprintf("%s ✅ Ticket traité avec succès — %s — %s %s",
			mention,
			res.Data.Store.StoreName,
			res.Data.Transaction.Total.String(),
			res.Data.Transaction.Currency,
		)
	}

	reason := ""
	if res.Err != nil {
		reason = res.Err.Error()
	}
	return fmt.Sprintf("%s ❌ Échec du traitement du ticket — %s: %s",
		mention, string(res.Kind), truncate(reason, 200))
}

// mentionFor picks the friendliest available sender handle: first name,
// then the last four digits of the number, then a short UUID prefix.
func mentionFor(tags map[string]string) string {
	if name := strings.TrimSpace(tags[TagSenderName]); name != "" {
		first, _, _ := strings.Cut(name, " ")
		return "@" + first
	}
	if number := strings.TrimSpace(tags[TagSenderNumber]); number != "" {
		digits := strings.Map(func(r rune) rune {
			if r >= '0' && r <= '9' {
				return r
			}
			return -1
		}, number)
		if len(digits) >= 4 {
			return "@" + digits[len(digits)-4:]
		}
	}
	if uuid := tags[TagSenderUUID]; len(uuid) >= 8 {
		return "@" + uuid[:8]
	}
	return "@utilisateur"
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	// Cut on a rune boundary.
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
