// Package signal wraps the signal-cli sidecar process behind a typed
// adapter: receiving message envelopes, downloading attachments, and
// sending group messages. It is the only package that talks to the
// sidecar.
package signal

import (
	"path/filepath"
	"strings"
	"time"
)

// Envelope is the top-level JSON object signal-cli emits for each
// received event, one per stdout line in receive -o json mode. Only the
// fields the pipeline depends on are declared.
type Envelope struct {
	Source       string `json:"source"`
	SourceNumber string `json:"sourceNumber"`
	SourceUUID   string `json:"sourceUuid"`
	SourceName   string `json:"sourceName"`
	Timestamp    int64  `json:"timestamp"` // ms since epoch
	Account      string `json:"account"`

	DataMessage *DataMessage `json:"dataMessage,omitempty"`
}

// DataMessage is a user data message. Read receipts, typing indicators
// and sync events arrive as different envelope shapes and leave this
// nil.
type DataMessage struct {
	Message      string            `json:"message"`
	Attachments  []RawAttachment   `json:"attachments,omitempty"`
	GroupInfo    *GroupInfo        `json:"groupInfo,omitempty"`
	RemoteDelete *RemoteDeleteInfo `json:"remoteDelete,omitempty"`
}

// RawAttachment is the sidecar's view of an attached file.
type RawAttachment struct {
	ID              string `json:"id"`
	ContentType     string `json:"contentType"`
	Filename        string `json:"filename"`
	Size            int64  `json:"size"`
	UploadTimestamp int64  `json:"uploadTimestamp"`
}

// GroupInfo identifies the group a message was sent to.
type GroupInfo struct {
	GroupID string `json:"groupId"`
	Name    string `json:"name"`
}

// RemoteDeleteInfo marks a message the sender retracted.
type RemoteDeleteInfo struct {
	Timestamp int64 `json:"timestamp"`
}

// envelopeLine is the wrapper object around each stdout line.
type envelopeLine struct {
	Envelope Envelope `json:"envelope"`
}

// Contact is a Signal sender. UUID is the stable identity; Number and
// Name are best-effort and may be empty.
type Contact struct {
	UUID   string
	Number string
	Name   string
}

// Group is a Signal group the bot is a member of.
type Group struct {
	ID   string
	Name string
}

// Attachment is a file delivered with a message. Path is set once the
// sidecar has materialised the bytes to local disk.
type Attachment struct {
	ID              string
	ContentType     string
	Filename        string
	Size            int64
	UploadTimestamp int64
	Path            string
}

// imageExtensions covers the filename fallback for attachments the
// sidecar delivered without a content type.
var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".webp": true,
	".gif":  true,
}

// IsImage reports whether the attachment carries an image, by content
// type when present, else by filename extension.
func (a Attachment) IsImage() bool {
	if a.ContentType != "" {
		return strings.HasPrefix(a.ContentType, "image/")
	}
	return imageExtensions[strings.ToLower(filepath.Ext(a.Filename))]
}

// Message is a parsed user data message.
type Message struct {
	Sender         Contact
	Timestamp      time.Time
	Text           string
	Attachments    []Attachment
	Group          *Group
	IsGroupMessage bool
	// Account is the bot's own number the message arrived on.
	Account string
}

// HasImageAttachment reports whether at least one attachment is an image.
func (m Message) HasImageAttachment() bool {
	for _, a := range m.Attachments {
		if a.IsImage() {
			return true
		}
	}
	return false
}
