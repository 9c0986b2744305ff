package signal

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestClient(run runFunc) *Client {
	c := NewClient("+41790000000", "signal-cli", "/tmp/attachments",
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	c.run = run
	return c
}

const sampleEnvelope = `{"envelope":{"source":"+41791112233","sourceNumber":"+41791112233","sourceUuid":"f2d9a2c1-8f4e-4b6a-9c3d-1e2f3a4b5c6d","sourceName":"Marie Dupont","timestamp":1721900000000,"dataMessage":{"message":"ticket","attachments":[{"id":"abc123","contentType":"image/jpeg","filename":"photo.jpg","size":52000}],"groupInfo":{"groupId":"grp1==","name":"Courses"}}},"account":"+41790000000"}`

func TestParseDataMessage(t *testing.T) {
	c := newTestClient(nil)

	msgs := c.Parse(sampleEnvelope)
	if len(msgs) != 1 {
		t.Fatalf("Parse returned %d messages, want 1", len(msgs))
	}

	m := msgs[0]
	if m.Sender.UUID != "f2d9a2c1-8f4e-4b6a-9c3d-1e2f3a4b5c6d" {
		t.Errorf("sender UUID = %q", m.Sender.UUID)
	}
	if m.Sender.Number != "+41791112233" {
		t.Errorf("sender number = %q", m.Sender.Number)
	}
	if m.Sender.Name != "Marie Dupont" {
		t.Errorf("sender name = %q", m.Sender.Name)
	}
	if want := time.UnixMilli(1721900000000); !m.Timestamp.Equal(want) {
		t.Errorf("timestamp = %v, want %v", m.Timestamp, want)
	}
	if !m.IsGroupMessage || m.Group == nil || m.Group.ID != "grp1==" {
		t.Errorf("group = %+v, is_group = %v", m.Group, m.IsGroupMessage)
	}
	if !m.HasImageAttachment() {
		t.Error("expected an image attachment")
	}
}

func TestParseSkipsNonDataEnvelopes(t *testing.T) {
	c := newTestClient(nil)

	raw := strings.Join([]string{
		`{"envelope":{"source":"+41791112233","timestamp":1}}`,
		`not json at all`,
		sampleEnvelope,
		`{"envelope":{"source":"+41791112233","timestamp":2,"dataMessage":{"remoteDelete":{"timestamp":1721900000000}}}}`,
	}, "\n")

	msgs := c.Parse(raw)
	if len(msgs) != 1 {
		t.Fatalf("Parse returned %d messages, want 1", len(msgs))
	}
}

func TestParseUUIDInSourceField(t *testing.T) {
	c := newTestClient(nil)

	raw := `{"envelope":{"source":"f2d9a2c1-8f4e-4b6a-9c3d-1e2f3a4b5c6d","timestamp":5,"dataMessage":{"message":"hi"}}}`
	msgs := c.Parse(raw)
	if len(msgs) != 1 {
		t.Fatalf("Parse returned %d messages, want 1", len(msgs))
	}
	if msgs[0].Sender.UUID != "f2d9a2c1-8f4e-4b6a-9c3d-1e2f3a4b5c6d" {
		t.Errorf("sender UUID = %q", msgs[0].Sender.UUID)
	}
	if msgs[0].Sender.Number != "" {
		t.Errorf("sender number = %q, want empty", msgs[0].Sender.Number)
	}
}

func TestLooksLikeUUID(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"f2d9a2c1-8f4e-4b6a-9c3d-1e2f3a4b5c6d", true},
		{"f2d9a2c18f4e4b6a9c3d1e2f3a4b5c6d", true},
		{"+41791112233", false},
		{"", false},
		{"not-a-uuid-at-all-padded-to-36-chars", false},
	}
	for _, tc := range cases {
		if got := looksLikeUUID(tc.in); got != tc.want {
			t.Errorf("looksLikeUUID(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestDownloadAttachmentsSetsPaths(t *testing.T) {
	var calls [][]string
	c := newTestClient(func(ctx context.Context, args ...string) ([]byte, []byte, error) {
		calls = append(calls, args)
		return nil, nil, nil
	})

	msgs := c.Parse(sampleEnvelope)
	msgs, err := c.DownloadAttachments(context.Background(), msgs)
	if err != nil {
		t.Fatalf("DownloadAttachments: %v", err)
	}

	if len(calls) != 1 {
		t.Fatalf("sidecar called %d times, want 1", len(calls))
	}
	args := strings.Join(calls[0], " ")
	if !strings.Contains(args, "getAttachment --id abc123") {
		t.Errorf("unexpected args: %s", args)
	}
	if !strings.Contains(args, "--group grp1==") {
		t.Errorf("group flag missing: %s", args)
	}

	want := filepath.Join("/tmp/attachments", "abc123")
	if got := msgs[0].Attachments[0].Path; got != want {
		t.Errorf("attachment path = %q, want %q", got, want)
	}
}

func TestDownloadAttachmentsAbortsOnFailure(t *testing.T) {
	c := newTestClient(func(ctx context.Context, args ...string) ([]byte, []byte, error) {
		return nil, nil, fmt.Errorf("sidecar exploded")
	})

	msgs := c.Parse(sampleEnvelope)
	if _, err := c.DownloadAttachments(context.Background(), msgs); err == nil {
		t.Fatal("expected an error")
	}
}

func TestListGroups(t *testing.T) {
	out := strings.Join([]string{
		"Id: grpAAA== Name: Courses Active: true Blocked: false",
		"some unrelated line",
		"Id: grpBBB== Name:  Active: true",
	}, "\n")
	c := newTestClient(func(ctx context.Context, args ...string) ([]byte, []byte, error) {
		return []byte(out), nil, nil
	})

	groups, err := c.ListGroups(context.Background())
	if err != nil {
		t.Fatalf("ListGroups: %v", err)
	}
	if len(groups) != 2 {
		t.Fatalf("got %d groups, want 2", len(groups))
	}
	if groups[0].ID != "grpAAA==" || groups[0].Name != "Courses" {
		t.Errorf("group[0] = %+v", groups[0])
	}
	if groups[1].Name != "Unknown" {
		t.Errorf("group[1].Name = %q, want Unknown", groups[1].Name)
	}
}

func TestAttachmentIsImage(t *testing.T) {
	cases := []struct {
		att  Attachment
		want bool
	}{
		{Attachment{ContentType: "image/jpeg"}, true},
		{Attachment{ContentType: "image/png"}, true},
		{Attachment{ContentType: "application/pdf"}, false},
		{Attachment{Filename: "photo.JPG"}, true},
		{Attachment{Filename: "doc.pdf"}, false},
		{Attachment{}, false},
	}
	for _, tc := range cases {
		if got := tc.att.IsImage(); got != tc.want {
			t.Errorf("IsImage(%+v) = %v, want %v", tc.att, got, tc.want)
		}
	}
}
