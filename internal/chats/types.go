package chats

import (
	"time"

	"github.com/dmarkelov/vkgrab/internal/users"
	"github.com/dmarkelov/vkgrab/internal/wire"
)

// storedFileVersion is bumped when the on-disk envelope changes shape.
const storedFileVersion = 1

// Chat is a conversation transcript. Messages are unique by id and sorted
// ascending by timestamp at all times. Owned exclusively by the Manager;
// the in-memory copy and the on-disk copy are kept consistent by
// write-through on every mutation.
type Chat struct {
	ID    int64        `json:"id"`
	Name  string       `json:"name"`
	Users []users.User `json:"users"`
	// ActiveUsers is ordered most-recently-active first.
	ActiveUsers []int64        `json:"activeUsers"`
	Messages    []wire.Message `json:"messages"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// FileMetadata summarizes a stored chat for quick inspection.
type FileMetadata struct {
	FileCreated      time.Time `json:"fileCreated"`
	LastMessageID    int64     `json:"lastMessageId"`
	MessageCount     int       `json:"messageCount"`
	ParticipantCount int       `json:"participantCount"`
}

// StoredChatFile is the on-disk envelope, one pretty-printed JSON file per
// chat.
type StoredChatFile struct {
	Version  int          `json:"version"`
	Chat     Chat         `json:"chat"`
	Metadata FileMetadata `json:"metadata"`
}

// hasUser reports whether the chat already lists the given participant.
func (c *Chat) hasUser(id int64) bool {
	for _, u := range c.Users {
		if u.ID == id {
			return true
		}
	}
	return false
}

// messageIndex returns the index of the message with the given id, or -1.
func (c *Chat) messageIndex(id int64) int {
	for i := range c.Messages {
		if c.Messages[i].ID == id {
			return i
		}
	}
	return -1
}

// markActive moves id to the front of ActiveUsers.
func (c *Chat) markActive(id int64) {
	for i, existing := range c.ActiveUsers {
		if existing == id {
			copy(c.ActiveUsers[1:i+1], c.ActiveUsers[:i])
			c.ActiveUsers[0] = id
			return
		}
	}
	c.ActiveUsers = append([]int64{id}, c.ActiveUsers...)
}
