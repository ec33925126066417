package main

import "fmt"

const (
	selfDisplayName    = "Me"
	unknownDisplayName = "Unknown"
)

// identity is a resolved message author. It is comparable and used directly
// as a map key, so equality is structural on both fields.
type identity struct {
	id      int64
	display string
}

var (
	selfIdentity    = identity{id: 0, display: selfDisplayName}
	unknownIdentity = identity{id: -1, display: unknownDisplayName}
)

func (i identity) String() string {
	return i.display
}

func (i identity) isSelf() bool {
	return i.id == 0
}

// lookups holds the read-only tables loaded before streaming starts.
type lookups struct {
	chats    map[int64]chatInfo
	handles  map[int64]string
	contacts contactDirectory
}

// resolveSender maps a row's sender reference to a display identity. It never
// fails: missing handles and contacts degrade to synthesized labels.
func resolveSender(isFromMe bool, handleID int64, tables lookups) identity {
	if isFromMe {
		return selfIdentity
	}
	if handleID == 0 {
		// Not flagged as ours and no handle; do not guess "Me".
		return unknownIdentity
	}
	raw, ok := tables.handles[handleID]
	if !ok {
		return identity{id: handleID, display: fmt.Sprintf("Handle %d", handleID)}
	}
	if name, ok := tables.contacts.lookup(raw); ok {
		return identity{id: handleID, display: name}
	}
	return identity{id: handleID, display: raw}
}

// resolveChatName returns the display name for a conversation id: the chat's
// own name when set, else the contact name or raw identifier of the chat.
func resolveChatName(chatID int64, tables lookups) (string, bool) {
	chat, ok := tables.chats[chatID]
	if !ok {
		return "", false
	}
	if chat.displayName != "" {
		return chat.displayName, true
	}
	if name, ok := tables.contacts.lookup(chat.chatIdentifier); ok {
		return name, true
	}
	if chat.chatIdentifier == "" {
		return "", false
	}
	return chat.chatIdentifier, true
}
