package wire

import (
	"errors"
	"fmt"
	"testing"

	"github.com/dmarkelov/vkgrab/internal/retry"
)

func TestFlagsRoundTrip(t *testing.T) {
	// Every combination of the ten flag bits must survive decode(encode).
	for mask := 0; mask < 1<<10; mask++ {
		f := DecodeFlags(mask)
		if got := f.Encode(); got != mask {
			t.Fatalf("Encode(DecodeFlags(%d)) = %d", mask, got)
		}
	}
}

func TestDecodeFlagsIgnoresWireOnlyBits(t *testing.T) {
	mask := 1 | BitHiddenGreeting | BitDeletedForAll
	f := DecodeFlags(mask)
	if !f.Unread {
		t.Error("Unread should be set")
	}
	if got := f.Encode(); got != 1 {
		t.Errorf("Encode() = %d, want 1 (wire-only bits not round-tripped)", got)
	}
	if !HiddenGreeting(mask) || !DeletedForAll(mask) {
		t.Error("wire-only bit helpers should report the raw mask bits")
	}
}

func TestParseMessageGroupChat(t *testing.T) {
	ev := RawEvent{
		float64(4), float64(123456), float64(49), float64(2000000001),
		float64(1755105000), "hello", map[string]any{"from": "123"}, map[string]any{},
	}

	msg, err := ParseMessage(ev)
	if err != nil {
		t.Fatalf("ParseMessage() error = %v", err)
	}
	if msg.ID != 123456 {
		t.Errorf("ID = %d, want 123456", msg.ID)
	}
	if msg.PeerID != 2000000001 {
		t.Errorf("PeerID = %d, want 2000000001", msg.PeerID)
	}
	if msg.FromID != 123 {
		t.Errorf("FromID = %d, want 123 (from field is authoritative in group chats)", msg.FromID)
	}
	if msg.Text != "hello" {
		t.Errorf("Text = %q, want hello", msg.Text)
	}
	if msg.Timestamp != 1755105000 {
		t.Errorf("Timestamp = %d, want 1755105000", msg.Timestamp)
	}
	// 49 = unread(1) + chat(16) + friends(32).
	want := Flags{Unread: true, Chat: true, Friends: true}
	if msg.Flags != want {
		t.Errorf("Flags = %+v, want %+v", msg.Flags, want)
	}
}

func TestParseMessagePrivateChatAuthorDefaultsToPeer(t *testing.T) {
	ev := RawEvent{
		float64(4), float64(7), float64(1), float64(42),
		float64(1000), "hi", map[string]any{},
	}
	msg, err := ParseMessage(ev)
	if err != nil {
		t.Fatal(err)
	}
	if msg.FromID != 42 {
		t.Errorf("FromID = %d, want peer id 42", msg.FromID)
	}
	if msg.IsGroupChat() {
		t.Error("peer 42 should not be a group chat")
	}
}

func TestParseMessageOutgoingUsesSentinel(t *testing.T) {
	ev := RawEvent{
		float64(4), float64(8), float64(3), float64(42), // 3 = unread|outbox
		float64(1000), "sent by me", map[string]any{},
	}
	msg, err := ParseMessage(ev)
	if err != nil {
		t.Fatal(err)
	}
	if msg.FromID != OutgoingAuthor {
		t.Errorf("FromID = %d, want OutgoingAuthor sentinel", msg.FromID)
	}
}

func TestParseMessageTooShort(t *testing.T) {
	ev := RawEvent{float64(4), float64(1), float64(0), float64(42)}
	_, err := ParseMessage(ev)
	var malformed *MalformedEventError
	if !errors.As(err, &malformed) {
		t.Fatalf("error = %v, want MalformedEventError", err)
	}
	if retry.Classify(err) != retry.KindValidation {
		t.Error("malformed events must classify as validation")
	}
}

func TestParseMessageWrongTypes(t *testing.T) {
	tests := []struct {
		name string
		ev   RawEvent
	}{
		{"string id", RawEvent{float64(4), "abc", float64(0), float64(42), float64(1), "t", map[string]any{}}},
		{"string flags", RawEvent{float64(4), float64(1), "x", float64(42), float64(1), "t", map[string]any{}}},
		{"numeric text", RawEvent{float64(4), float64(1), float64(0), float64(42), float64(1), float64(9), map[string]any{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseMessage(tt.ev); err == nil {
				t.Error("ParseMessage() expected error")
			}
		})
	}
}

func TestEventType(t *testing.T) {
	ev := RawEvent{float64(8), float64(123), float64(1)}
	typ, err := ev.Type()
	if err != nil {
		t.Fatal(err)
	}
	if typ != TypeFriendOnline {
		t.Errorf("Type() = %d, want %d", typ, TypeFriendOnline)
	}

	if _, err := (RawEvent{}).Type(); err == nil {
		t.Error("empty event should fail")
	}
	if _, err := (RawEvent{"four"}).Type(); err == nil {
		t.Error("non-numeric type should fail")
	}
}

func TestParseAttachments(t *testing.T) {
	extra := map[string]any{
		"attach1":       "1234_5678",
		"attach1_type":  "photo",
		"attach1_url":   "https://example.com/p.jpg",
		"attach2":       "999_111",
		"attach2_type":  "doc",
		"attach2_title": "notes.txt",
	}
	atts := ParseAttachments(extra)
	if len(atts) != 2 {
		t.Fatalf("got %d attachments, want 2", len(atts))
	}
	if atts[0].Kind != KindPhoto || atts[0].ID != "1234_5678" || atts[0].URL != "https://example.com/p.jpg" {
		t.Errorf("attach1 = %+v", atts[0])
	}
	if atts[1].Kind != KindDoc || atts[1].Title != "notes.txt" {
		t.Errorf("attach2 = %+v", atts[1])
	}
}

func TestParseAttachmentsStopsAtGap(t *testing.T) {
	extra := map[string]any{
		"attach1":      "1_1",
		"attach1_type": "photo",
		// attach2 missing
		"attach3":      "3_3",
		"attach3_type": "photo",
	}
	atts := ParseAttachments(extra)
	if len(atts) != 1 {
		t.Errorf("got %d attachments, want 1 (scan stops at first gap)", len(atts))
	}
}

func TestParseAttachmentsSkipsUnknownKinds(t *testing.T) {
	extra := map[string]any{
		"attach1":      "1_1",
		"attach1_type": "hologram",
		"attach2":      "2_2",
		"attach2_type": "sticker",
	}
	atts := ParseAttachments(extra)
	if len(atts) != 1 {
		t.Fatalf("got %d attachments, want 1 (unknown kind dropped)", len(atts))
	}
	if atts[0].Kind != KindSticker {
		t.Errorf("kind = %q, want sticker", atts[0].Kind)
	}
}

func TestParseAttachmentsBounded(t *testing.T) {
	extra := map[string]any{}
	for i := 1; i <= 50; i++ {
		extra[fmt.Sprintf("attach%d", i)] = fmt.Sprintf("%d_%d", i, i)
		extra[fmt.Sprintf("attach%d_type", i)] = "photo"
	}
	atts := ParseAttachments(extra)
	if len(atts) != maxAttachments {
		t.Errorf("got %d attachments, want cap %d", len(atts), maxAttachments)
	}
}

func TestParseMessageConversationMessageID(t *testing.T) {
	ev := RawEvent{
		float64(4), float64(10), float64(1), float64(42), float64(1000), "x",
		map[string]any{}, map[string]any{}, float64(0), float64(77),
	}
	msg, err := ParseMessage(ev)
	if err != nil {
		t.Fatal(err)
	}
	if msg.ConversationMessageID != 77 {
		t.Errorf("ConversationMessageID = %d, want 77", msg.ConversationMessageID)
	}
}
