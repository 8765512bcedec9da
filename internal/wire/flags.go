package wire

// Flag bit positions in the wire mask, in wire order.
const (
	bitUnread = 1 << iota
	bitOutbox
	bitReplied
	bitImportant
	bitChat
	bitFriends
	bitSpam
	bitDeletedByUser
	bitVerifiedNotSpam
	bitHasMedia
)

// Wire-only bits: surfaced through the raw mask but not part of Flags.
const (
	BitHiddenGreeting = 1 << 16
	BitDeletedForAll  = 1 << 17
)

// Flags is the decoded message flag set.
type Flags struct {
	Unread          bool `json:"unread"`
	Outbox          bool `json:"outbox"`
	Replied         bool `json:"replied"`
	Important       bool `json:"important"`
	Chat            bool `json:"chat"`
	Friends         bool `json:"friends"`
	Spam            bool `json:"spam"`
	DeletedByUser   bool `json:"deletedByUser"`
	VerifiedNotSpam bool `json:"verifiedNotSpam"`
	HasMedia        bool `json:"hasMedia"`
}

// DecodeFlags unpacks a wire bitmask into a flag set. Inverse of Encode.
func DecodeFlags(mask int) Flags {
	return Flags{
		Unread:          mask&bitUnread != 0,
		Outbox:          mask&bitOutbox != 0,
		Replied:         mask&bitReplied != 0,
		Important:       mask&bitImportant != 0,
		Chat:            mask&bitChat != 0,
		Friends:         mask&bitFriends != 0,
		Spam:            mask&bitSpam != 0,
		DeletedByUser:   mask&bitDeletedByUser != 0,
		VerifiedNotSpam: mask&bitVerifiedNotSpam != 0,
		HasMedia:        mask&bitHasMedia != 0,
	}
}

// Encode packs the flag set back into a wire bitmask. Inverse of DecodeFlags.
func (f Flags) Encode() int {
	mask := 0
	for _, b := range []struct {
		set bool
		bit int
	}{
		{f.Unread, bitUnread},
		{f.Outbox, bitOutbox},
		{f.Replied, bitReplied},
		{f.Important, bitImportant},
		{f.Chat, bitChat},
		{f.Friends, bitFriends},
		{f.Spam, bitSpam},
		{f.DeletedByUser, bitDeletedByUser},
		{f.VerifiedNotSpam, bitVerifiedNotSpam},
		{f.HasMedia, bitHasMedia},
	} {
		if b.set {
			mask |= b.bit
		}
	}
	return mask
}

// HiddenGreeting reports the wire-only hidden-greeting bit.
func HiddenGreeting(mask int) bool { return mask&BitHiddenGreeting != 0 }

// DeletedForAll reports the wire-only deleted-for-all bit.
func DeletedForAll(mask int) bool { return mask&BitDeletedForAll != 0 }
