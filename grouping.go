package main

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

const directKeyPrefix = "Direct: "

// conversationGroup is one rendered conversation.
type conversationGroup struct {
	key      string
	messages []*canonicalMessage
}

func (g conversationGroup) isDirect() bool {
	return strings.HasPrefix(g.key, directKeyPrefix)
}

// title is the key without the direct-message prefix.
func (g conversationGroup) title() string {
	return strings.TrimPrefix(g.key, directKeyPrefix)
}

// participants lists distinct sender names other than "Me", sorted.
func (g conversationGroup) participants() []string {
	seen := make(map[string]struct{})
	names := make([]string, 0, 4)
	for _, msg := range g.messages {
		if msg.from.isSelf() {
			continue
		}
		if _, ok := seen[msg.from.display]; ok {
			continue
		}
		seen[msg.from.display] = struct{}{}
		names = append(names, msg.from.display)
	}
	sort.Strings(names)
	return names
}

func (g conversationGroup) latest() time.Time {
	var latest time.Time
	for _, msg := range g.messages {
		if msg.date.After(latest) {
			latest = msg.date
		}
	}
	return latest
}

// directChatNames computes, per chat id of nameless messages, the first
// non-self sender in sequence order. Chat ids with only self-authored
// messages are absent from the result.
func directChatNames(messages []*canonicalMessage) map[int64]string {
	names := make(map[int64]string)
	for _, msg := range messages {
		if msg.hasChatName || !msg.hasChatID || msg.from.display == selfDisplayName {
			continue
		}
		if _, ok := names[msg.chatID]; !ok {
			names[msg.chatID] = msg.from.display
		}
	}
	return names
}

// conversationKey is the single grouping policy. An explicit chat name is
// used verbatim; otherwise the chat id is labelled by its first other
// participant, and a message with neither falls back to its own sender.
func conversationKey(msg *canonicalMessage, directNames map[int64]string) string {
	if msg.hasChatName {
		return msg.chatName
	}
	if msg.hasChatID {
		if name, ok := directNames[msg.chatID]; ok {
			return directKeyPrefix + name
		}
		return fmt.Sprintf("%sUnknown (%d)", directKeyPrefix, msg.chatID)
	}
	return directKeyPrefix + msg.from.display
}

// groupConversations partitions chronologically sorted messages. Members keep
// their input order; groups are sorted by key.
func groupConversations(messages []*canonicalMessage) []conversationGroup {
	directNames := directChatNames(messages)
	index := make(map[string]int)
	groups := make([]conversationGroup, 0, 16)
	for _, msg := range messages {
		key := conversationKey(msg, directNames)
		idx, ok := index[key]
		if !ok {
			idx = len(groups)
			index[key] = idx
			groups = append(groups, conversationGroup{key: key})
		}
		groups[idx].messages = append(groups[idx].messages, msg)
	}
	sort.Slice(groups, func(i, j int) bool {
		return groups[i].key < groups[j].key
	})
	return groups
}
