package main

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var errMissingTimestamp = errors.New("message has no delivered, read or written timestamp")

type rowVariant int

const (
	variantNormal rowVariant = iota
	variantEdited
	variantReaction
	variantOther
)

func (v rowVariant) String() string {
	switch v {
	case variantNormal:
		return "normal"
	case variantEdited:
		return "edited"
	case variantReaction:
		return "reaction"
	default:
		return "other"
	}
}

type reactionAction int

const (
	reactionAdded reactionAction = iota
	reactionRemoved
)

type reactionKind int

const (
	reactionLoved reactionKind = iota
	reactionLiked
	reactionDisliked
	reactionLaughed
	reactionEmphasized
	reactionQuestioned
	reactionEmoji
	reactionSticker
)

// reaction is the active tapback one author has on a message.
type reaction struct {
	kind  reactionKind
	emoji string // custom emoji, only for reactionEmoji
}

func (r reaction) String() string {
	switch r.kind {
	case reactionLoved:
		return "🩷"
	case reactionLiked:
		return "👍"
	case reactionDisliked:
		return "👎"
	case reactionLaughed:
		return "😂"
	case reactionEmphasized:
		return "‼️"
	case reactionQuestioned:
		return "❓"
	case reactionEmoji:
		return r.emoji
	case reactionSticker:
		return "🎨"
	default:
		return ""
	}
}

// rawRow is one decoded message row as streamed from chat.db.
type rawRow struct {
	rowID          int64
	guid           string
	variant        rowVariant
	isFromMe       bool
	handleID       int64 // 0 when the row has no handle
	chatID         int64
	hasChat        bool
	date           int64 // Apple epoch, seconds or nanoseconds
	dateRead       int64
	dateDelivered  int64
	text           string
	hasAttachments bool

	// Reaction rows only.
	action         reactionAction
	reaction       reaction
	associatedGUID string
}

// attachmentRef is the chat.db record of one attachment; bytes are read at
// export time.
type attachmentRef struct {
	rowID        int64
	filename     string // path as stored, usually ~/Library/Messages/Attachments/...
	transferName string
	mimeType     string
	totalBytes   int64
}

func (a attachmentRef) displayName() string {
	if a.transferName != "" {
		return a.transferName
	}
	if a.filename != "" {
		parts := strings.Split(a.filename, "/")
		return parts[len(parts)-1]
	}
	return "(unnamed)"
}

func (a attachmentRef) isImage() bool {
	return strings.HasPrefix(a.mimeType, "image/")
}

// canonicalMessage is the collated form of one normal message row.
type canonicalMessage struct {
	guid        string
	text        string
	from        identity
	chatName    string
	hasChatName bool
	chatID      int64
	hasChatID   bool
	date        time.Time
	attachments []attachmentRef
	reactions   map[identity]reaction
}

func (m *canonicalMessage) applyReaction(action reactionAction, author identity, r reaction) {
	switch action {
	case reactionAdded:
		m.reactions[author] = r
	case reactionRemoved:
		delete(m.reactions, author)
	}
}

var appleEpoch = time.Date(2001, time.January, 1, 0, 0, 0, 0, time.UTC)

// appleTime converts a chat.db timestamp. Databases from macOS 10.13 onwards
// store nanoseconds, older ones seconds.
func appleTime(value int64) time.Time {
	if value > 1_000_000_000_000 {
		return appleEpoch.Add(time.Duration(value)).Local()
	}
	return appleEpoch.Add(time.Duration(value) * time.Second).Local()
}

// selectTimestamp picks delivered, then read, then written; the first
// non-zero one wins.
func selectTimestamp(row rawRow) (time.Time, error) {
	for _, value := range []int64{row.dateDelivered, row.dateRead, row.date} {
		if value != 0 {
			return appleTime(value), nil
		}
	}
	return time.Time{}, fmt.Errorf("message %s: %w", row.guid, errMissingTimestamp)
}

// messageFilter limits which messages are admitted into the store.
type messageFilter struct {
	start     time.Time // inclusive, zero means unbounded
	end       time.Time // exclusive, zero means unbounded
	chatNames map[string]struct{}
}

func newMessageFilter(start, end time.Time, chats []string) messageFilter {
	f := messageFilter{start: start, end: end}
	if len(chats) > 0 {
		f.chatNames = make(map[string]struct{}, len(chats))
		for _, chat := range chats {
			f.chatNames[chat] = struct{}{}
		}
	}
	return f
}

func (f messageFilter) matches(msg *canonicalMessage) bool {
	if !f.start.IsZero() && msg.date.Before(f.start) {
		return false
	}
	if !f.end.IsZero() && !msg.date.Before(f.end) {
		return false
	}
	if len(f.chatNames) == 0 {
		return true
	}
	// A nameless message cannot be shown to belong to any listed chat.
	if !msg.hasChatName {
		return false
	}
	_, ok := f.chatNames[msg.chatName]
	return ok
}
