package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/tickd/tickd/internal/errkind"
	"github.com/tickd/tickd/internal/receipt"
)

type fakeSender struct {
	groupID string
	text    string
	calls   int
	err     error
}

func (f *fakeSender) SendToGroup(ctx context.Context, groupID, text string) error {
	f.calls++
	f.groupID = groupID
	f.text = text
	return f.err
}

func successResult(tags map[string]string) Result {
	return Result{
		RunKey: "k1",
		Tags:   tags,
		Status: StatusSuccess,
		Data: &receipt.Data{
			Store: receipt.Store{StoreName: "Migros"},
			Transaction: receipt.Transaction{
				Total:    decimal.RequireFromString("12.34"),
				Currency: "CHF",
			},
		},
	}
}

func TestNotifySuccessToOriginGroup(t *testing.T) {
	sender := &fakeSender{}
	n := NewNotifier(sender, "default-group", testLogger())

	n.Observe(context.Background(), successResult(map[string]string{
		TagGroupID:    "origin-group",
		TagSenderName: "Marie Dupont",
	}))

	if sender.groupID != "origin-group" {
		t.Errorf("group = %q, want origin-group", sender.groupID)
	}
	for _, want := range []string{"@Marie", "✅", "Migros", "12.34 CHF"} {
		if !strings.Contains(sender.text, want) {
			t.Errorf("text %q missing %q", sender.text, want)
		}
	}
}

func TestNotifyDirectMessageUsesDefaultGroup(t *testing.T) {
	sender := &fakeSender{}
	n := NewNotifier(sender, "default-group", testLogger())

	n.Observe(context.Background(), successResult(map[string]string{
		TagSenderName: "Marie",
	}))

	if sender.groupID != "default-group" {
		t.Errorf("group = %q, want default-group", sender.groupID)
	}
}

func TestNotifyDroppedWithoutAnyGroup(t *testing.T) {
	sender := &fakeSender{}
	n := NewNotifier(sender, "", testLogger())

	n.Observe(context.Background(), successResult(map[string]string{}))

	if sender.calls != 0 {
		t.Error("notification sent with no target group")
	}
}

func TestNotifyFailureMessage(t *testing.T) {
	sender := &fakeSender{}
	n := NewNotifier(sender, "g", testLogger())

	n.Observe(context.Background(), Result{
		RunKey: "k1",
		Tags:   map[string]string{TagGroupID: "g", TagSenderNumber: "+41791112233"},
		Status: StatusFailure,
		Stage:  StageExtract,
		Kind:   errkind.LLMDecode,
		Err:    errors.New("no JSON object in model output"),
	})

	for _, want := range []string{"@2233", "❌", "LLM_DECODE", "no JSON object"} {
		if !strings.Contains(sender.text, want) {
			t.Errorf("text %q missing %q", sender.text, want)
		}
	}
}

func TestNotifyFailureReasonTruncated(t *testing.T) {
	sender := &fakeSender{}
	n := NewNotifier(sender, "g", testLogger())

	n.Observe(context.Background(), Result{
		Tags:   map[string]string{TagGroupID: "g"},
		Status: StatusFailure,
		Kind:   errkind.SidecarTransport,
		Err:    errors.New(strings.Repeat("x", 500)),
	})

	if strings.Count(sender.text, "x") > 200 {
		t.Errorf("reason not truncated: %d chars", strings.Count(sender.text, "x"))
	}
}

func TestNotifyDeliveryFailureIsSwallowed(t *testing.T) {
	sender := &fakeSender{err: errors.New("sidecar down")}
	n := NewNotifier(sender, "g", testLogger())

	// Must not panic and must not propagate anything.
	n.Observe(context.Background(), successResult(map[string]string{TagGroupID: "g"}))
}

func TestMentionFallbackChain(t *testing.T) {
	cases := []struct {
		name string
		tags map[string]string
		want string
	}{
		{"first name", map[string]string{TagSenderName: "Marie Dupont"}, "@Marie"},
		{"number digits", map[string]string{TagSenderNumber: "+41791112233"}, "@2233"},
		{"uuid prefix", map[string]string{TagSenderUUID: "f2d9a2c1-8f4e-4b6a"}, "@f2d9a2c1"},
		{"nothing", map[string]string{}, "@utilisateur"},
		{"name wins", map[string]string{
			TagSenderName:   "Marie Dupont",
			TagSenderNumber: "+41791112233",
		}, "@Marie"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := mentionFor(tc.tags); got != tc.want {
				t.Errorf("mentionFor = %q, want %q", got, tc.want)
			}
		})
	}
}
