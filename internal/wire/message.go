package wire

// GroupPeerBase is the peer-id offset above which a peer identifies a
// group conversation rather than a one-to-one chat.
const GroupPeerBase = 2_000_000_000

// OutgoingAuthor marks a message whose author is the local account. The
// caller resolves it against the account id after parsing.
const OutgoingAuthor int64 = -1

// Positional fields of a TypeNewMessage event.
const (
	posType = iota
	posMessageID
	posFlags
	posPeerID
	posTimestamp
	posText
	posExtra
	posAttachments

	minMessageFields = posExtra + 1
	posConvMessageID = 9
)

// Message is a fully decoded incoming message. Immutable once constructed;
// ID is the dedup key within its conversation.
type Message struct {
	ID                    int64        `json:"id"`
	PeerID                int64        `json:"peerId"`
	FromID                int64        `json:"fromId"`
	Timestamp             int64        `json:"timestamp"`
	Text                  string       `json:"text"`
	Attachments           []Attachment `json:"attachments,omitempty"`
	Flags                 Flags        `json:"flags"`
	RawFlags              int          `json:"rawFlags"`
	ConversationMessageID int64        `json:"conversationMessageId,omitempty"`
}

// IsGroupChat reports whether the message belongs to a group conversation.
func (m *Message) IsGroupChat() bool {
	return m.PeerID >= GroupPeerBase
}

// ParseMessage decodes a TypeNewMessage raw event. Fails with
// *MalformedEventError if the event is shorter than the minimum shape or a
// required field has the wrong type.
//
// Author resolution: outgoing messages get the OutgoingAuthor sentinel;
// group conversations take the authoritative "from" field of the
// side-channel map; one-to-one conversations default to the peer id.
func ParseMessage(ev RawEvent) (*Message, error) {
	if len(ev) < minMessageFields {
		return nil, &MalformedEventError{
			Reason: "message event has too few fields",
			Event:  ev,
		}
	}

	id, ok := asInt64(ev[posMessageID])
	if !ok {
		return nil, &MalformedEventError{Reason: "message id is not numeric", Event: ev}
	}
	mask, ok := asInt64(ev[posFlags])
	if !ok {
		return nil, &MalformedEventError{Reason: "flags mask is not numeric", Event: ev}
	}
	peerID, ok := asInt64(ev[posPeerID])
	if !ok {
		return nil, &MalformedEventError{Reason: "peer id is not numeric", Event: ev}
	}
	ts, ok := asInt64(ev[posTimestamp])
	if !ok {
		return nil, &MalformedEventError{Reason: "timestamp is not numeric", Event: ev}
	}
	text, ok := asString(ev[posText])
	if !ok {
		return nil, &MalformedEventError{Reason: "text is not a string", Event: ev}
	}

	extra, _ := asMap(ev[posExtra])

	msg := &Message{
		ID:        id,
		PeerID:    peerID,
		Timestamp: ts,
		Text:      text,
		Flags:     DecodeFlags(int(mask)),
		RawFlags:  int(mask),
	}

	if len(ev) > posAttachments {
		if attachMap, ok := asMap(ev[posAttachments]); ok {
			msg.Attachments = ParseAttachments(attachMap)
		}
	}
	// Some attachment payloads ride in the extra map instead.
	if msg.Attachments == nil {
		msg.Attachments = ParseAttachments(extra)
	}

	if len(ev) > posConvMessageID {
		if cmid, ok := asInt64(ev[posConvMessageID]); ok {
			msg.ConversationMessageID = cmid
		}
	}

	msg.FromID = resolveAuthor(msg, extra)

	return msg, nil
}

func resolveAuthor(msg *Message, extra map[string]any) int64 {
	if msg.Flags.Outbox {
		return OutgoingAuthor
	}
	if msg.IsGroupChat() {
		if extra != nil {
			if from, ok := asInt64(extra["from"]); ok {
				return from
			}
		}
		return 0 // group message without a from field: author unknown
	}
	return msg.PeerID
}
