// Package pipeline runs per-message receipt jobs through a fixed stage
// sequence: reconstruct, persist the message, extract via the vision
// model, transform, persist the receipt. A durable run ledger keyed on
// the run key makes job submission idempotent across restarts.
package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/tickd/tickd/internal/errkind"
	"github.com/tickd/tickd/internal/signal"
)

// Tag keys carried on every job request. Tags are flat strings so they
// survive the run ledger and logs without schema coupling.
const (
	TagMessageTimestamp = "message_timestamp"
	TagSenderUUID       = "sender_uuid"
	TagSenderNumber     = "sender_number"
	TagSenderName       = "sender_name"
	TagGroupID          = "group_id"
	TagGroupName        = "group_name"
	TagAttachmentPaths  = "attachment_paths"
	TagMessageText      = "message_text"
	TagIsGroupMessage   = "is_group_message"
	TagTestMode         = "test_mode"
)

// timestampLayout is the tag serialisation format for message
// timestamps. Signal delivers millisecond timestamps and
// (sender, timestamp) is the message natural key, so the fraction must
// survive the round trip. Parsing also accepts plain RFC 3339 and a
// bare layout without offset.
const (
	timestampLayout     = "2006-01-02T15:04:05.000Z07:00"
	timestampLayoutBare = "2006-01-02T15:04:05"
)

// JobRequest identifies one unit of pipeline work.
type JobRequest struct {
	RunKey string
	Tags   map[string]string
}

// attachmentTag is the JSON shape of one entry in the attachment_paths
// tag.
type attachmentTag struct {
	Path        string `json:"path"`
	ContentType string `json:"content_type"`
	Filename    string `json:"filename"`
	ID          string `json:"id"`
}

// NewJobRequest derives the run key and tag bag for a Signal message.
// The run key is stable across polls: the same message always maps to
// the same key.
func NewJobRequest(msg signal.Message, testMode bool) (JobRequest, error) {
	sender := msg.Sender.UUID
	if sender == "" {
		sender = msg.Sender.Number
	}
	if sender == "" {
		sender = "unknown"
	}

	tags := map[string]string{
		TagMessageTimestamp: msg.Timestamp.Format(timestampLayout),
		TagSenderUUID:       msg.Sender.UUID,
		TagSenderNumber:     msg.Sender.Number,
		TagSenderName:       msg.Sender.Name,
		TagMessageText:      msg.Text,
		TagIsGroupMessage:   strconv.FormatBool(msg.IsGroupMessage),
		TagTestMode:         strconv.FormatBool(testMode),
	}
	if msg.Group != nil {
		tags[TagGroupID] = msg.Group.ID
		tags[TagGroupName] = msg.Group.Name
	}

	atts := make([]attachmentTag, 0, len(msg.Attachments))
	for _, a := range msg.Attachments {
		atts = append(atts, attachmentTag{
			Path:        a.Path,
			ContentType: a.ContentType,
			Filename:    a.Filename,
			ID:          a.ID,
		})
	}
	attJSON, err := json.Marshal(atts)
	if err != nil {
		return JobRequest{}, fmt.Errorf("marshal attachment tag: %w", err)
	}
	tags[TagAttachmentPaths] = string(attJSON)

	return JobRequest{
		RunKey: fmt.Sprintf("signal_message_%s_%s",
			msg.Timestamp.Format(timestampLayout), sender),
		Tags: tags,
	}, nil
}

// Reconstruct rebuilds a Signal message from a job's tag bag.
// Attachments whose file no longer exists on disk are dropped with no
// error; a job left with zero image attachments fails here rather than
// at the extraction stage.
func Reconstruct(req JobRequest, exists func(path string) bool) (signal.Message, error) {
	if exists == nil {
		exists = fileExists
	}

	tsRaw := req.Tags[TagMessageTimestamp]
	ts, err := parseTimestamp(tsRaw)
	if err != nil {
		return signal.Message{}, errkind.New(errkind.SidecarParse,
			"bad message_timestamp tag %q: %v", tsRaw, err)
	}

	msg := signal.Message{
		Sender: signal.Contact{
			UUID:   req.Tags[TagSenderUUID],
			Number: req.Tags[TagSenderNumber],
			Name:   req.Tags[TagSenderName],
		},
		Timestamp:      ts,
		Text:           req.Tags[TagMessageText],
		IsGroupMessage: req.Tags[TagIsGroupMessage] == "true",
	}
	if gid := req.Tags[TagGroupID]; gid != "" {
		msg.Group = &signal.Group{ID: gid, Name: req.Tags[TagGroupName]}
	}

	var atts []attachmentTag
	if raw := req.Tags[TagAttachmentPaths]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &atts); err != nil {
			return signal.Message{}, errkind.New(errkind.SidecarParse,
				"bad attachment_paths tag: %v", err)
		}
	}
	for _, a := range atts {
		if a.Path == "" || !exists(a.Path) {
			continue
		}
		msg.Attachments = append(msg.Attachments, signal.Attachment{
			ID:          a.ID,
			ContentType: a.ContentType,
			Filename:    a.Filename,
			Path:        a.Path,
		})
	}

	if !msg.HasImageAttachment() {
		return signal.Message{}, errkind.New(errkind.SidecarParse,
			"no image attachment on disk for %s", req.RunKey)
	}
	return msg, nil
}

func parseTimestamp(s string) (time.Time, error) {
	// RFC 3339 with or without a fractional second.
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts, nil
	}
	return time.ParseInLocation(timestampLayoutBare, s, time.Local)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
