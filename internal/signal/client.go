package signal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tickd/tickd/internal/errkind"
)

// runFunc executes one sidecar invocation and returns its stdout and
// stderr. Tests substitute canned output here instead of spawning a
// process.
type runFunc func(ctx context.Context, args ...string) (stdout, stderr []byte, err error)

// Client shells out to the signal-cli sidecar, one process per
// operation. Receive is never called concurrently; the sensor is the
// single poller.
type Client struct {
	phoneNumber   string
	cliPath       string
	attachmentDir string
	logger        *slog.Logger

	run runFunc
}

// NewClient creates a sidecar adapter for the given account.
func NewClient(phoneNumber, cliPath, attachmentDir string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		phoneNumber:   phoneNumber,
		cliPath:       cliPath,
		attachmentDir: attachmentDir,
		logger:        logger,
	}
	c.run = c.execRun
	return c
}

// execRun invokes the sidecar as `<cli> -a <phone> <args...>`.
func (c *Client) execRun(ctx context.Context, args ...string) ([]byte, []byte, error) {
	full := append([]string{"-a", c.phoneNumber}, args...)

	c.logger.Debug("signal-cli invocation", "args", full)

	cmd := exec.CommandContext(ctx, c.cliPath, full...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return stdout.Bytes(), stderr.Bytes(),
			errkind.Wrap(errkind.SidecarTransport,
				fmt.Errorf("signal-cli %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String())))
	}
	return stdout.Bytes(), stderr.Bytes(), nil
}

// Receive pulls up to max message envelopes from the sidecar and marks
// them read on the sidecar side (the sidecar consumes them once). The
// raw newline-delimited JSON is returned so callers can keep envelope
// lines aligned with parsed messages.
func (c *Client) Receive(ctx context.Context, max int) (string, error) {
	stdout, _, err := c.run(ctx,
		"-o", "json",
		"receive",
		"--max-messages", strconv.Itoa(max),
		"--send-read-receipts",
	)
	if err != nil {
		return "", err
	}
	return string(stdout), nil
}

// Parse converts raw receive output into messages, one envelope per
// line. Non-data envelopes (read receipts, typing, sync) yield no
// message. Remote-deletes are logged and skipped. Malformed lines are
// dropped with a warning; they never fail the batch.
func (c *Client) Parse(raw string) []Message {
	var messages []Message

	for _, line := range strings.Split(strings.TrimSpace(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		var wrapped envelopeLine
		if err := json.Unmarshal([]byte(line), &wrapped); err != nil {
			c.logger.Warn("signal envelope parse failed", "error", err, "line_len", len(line))
			continue
		}

		env := wrapped.Envelope
		if env.DataMessage == nil {
			c.logger.Debug("signal skipping non-data envelope", "source", env.Source)
			continue
		}
		if env.DataMessage.RemoteDelete != nil {
			c.logger.Info("signal message remotely deleted, skipping",
				"target_timestamp", env.DataMessage.RemoteDelete.Timestamp,
			)
			continue
		}

		messages = append(messages, envelopeToMessage(env))
	}

	return messages
}

// envelopeToMessage maps one data envelope onto the domain Message.
// Signal sometimes places the sender UUID in the source field itself;
// in that case no phone number is available.
func envelopeToMessage(env Envelope) Message {
	source := env.Source
	if source == "" {
		source = env.SourceNumber
	}

	var sender Contact
	if looksLikeUUID(source) {
		sender = Contact{UUID: source, Name: env.SourceName}
	} else {
		sender = Contact{UUID: env.SourceUUID, Number: source, Name: env.SourceName}
	}

	msg := Message{
		Sender:    sender,
		Timestamp: time.UnixMilli(env.Timestamp),
		Text:      env.DataMessage.Message,
		Account:   env.Account,
	}

	for _, ra := range env.DataMessage.Attachments {
		msg.Attachments = append(msg.Attachments, Attachment{
			ID:              ra.ID,
			ContentType:     ra.ContentType,
			Filename:        ra.Filename,
			Size:            ra.Size,
			UploadTimestamp: ra.UploadTimestamp,
		})
	}

	if gi := env.DataMessage.GroupInfo; gi != nil {
		name := gi.Name
		if name == "" {
			name = "Unknown"
		}
		msg.Group = &Group{ID: gi.GroupID, Name: name}
		msg.IsGroupMessage = true
	}

	return msg
}

// looksLikeUUID reports whether s is a canonical UUID, dashed or
// undashed. Phone numbers ("+417…") never match.
func looksLikeUUID(s string) bool {
	if n := len(s); n != 32 && n != 36 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}

// DownloadAttachments asks the sidecar to materialise every attachment
// of every message into the attachment directory and records the local
// path. The first failing download aborts the batch.
func (c *Client) DownloadAttachments(ctx context.Context, messages []Message) ([]Message, error) {
	for mi := range messages {
		msg := &messages[mi]
		for ai := range msg.Attachments {
			att := &msg.Attachments[ai]

			args := []string{"getAttachment", "--id", att.ID}
			if msg.Group != nil {
				args = append(args, "--group", msg.Group.ID)
			}
			if _, _, err := c.run(ctx, args...); err != nil {
				return nil, fmt.Errorf("download attachment %s: %w", att.ID, err)
			}

			att.Path = filepath.Join(c.attachmentDir, att.ID)
		}
	}
	return messages, nil
}

// SendToGroup sends a text message to a group. Callers treat this as
// fire-and-forget: a returned error is for logging, not for failing the
// surrounding work.
func (c *Client) SendToGroup(ctx context.Context, groupID, text string) error {
	if _, _, err := c.run(ctx, "send", "-m", text, "-g", groupID); err != nil {
		return fmt.Errorf("send to group %s: %w", groupID, err)
	}
	c.logger.Info("signal message sent", "group_id", groupID, "text_len", len(text))
	return nil
}

// ListGroups parses the sidecar's line-oriented listGroups output.
func (c *Client) ListGroups(ctx context.Context) ([]Group, error) {
	stdout, _, err := c.run(ctx, "listGroups", "-d")
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}

	var groups []Group
	for _, line := range strings.Split(strings.TrimSpace(string(stdout)), "\n") {
		if !strings.HasPrefix(line, "Id:") {
			continue
		}
		g := parseGroupLine(line)
		if g.ID != "" {
			groups = append(groups, g)
		}
	}

	c.logger.Debug("signal groups listed", "count", len(groups))
	return groups, nil
}

// parseGroupLine extracts id and name from a detailed listGroups line of
// the form `Id: <id> Name: <name> Active: …`.
func parseGroupLine(line string) Group {
	fields := strings.Fields(line)
	var id string
	if len(fields) > 1 {
		id = fields[1]
	}

	name := "Unknown"
	if i := strings.Index(line, "Name:"); i != -1 {
		rest := strings.TrimSpace(line[i+len("Name:"):])
		if j := strings.Index(rest, " Active:"); j != -1 {
			rest = rest[:j]
		}
		if rest != "" {
			name = strings.TrimSpace(rest)
		}
	}

	return Group{ID: id, Name: name}
}
