package main

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// attachmentSource looks up the attachment records of a message row.
type attachmentSource interface {
	attachmentsFor(ctx context.Context, rowID int64) ([]attachmentRef, error)
}

// pendingReaction is a reaction whose target has not been collated yet.
type pendingReaction struct {
	action   reactionAction
	author   identity
	reaction reaction
}

// messageStore owns every collated message, keyed by guid, until drained.
type messageStore struct {
	messages map[string]*canonicalMessage
	pending  map[string][]pendingReaction
}

func newMessageStore() *messageStore {
	return &messageStore{
		messages: make(map[string]*canonicalMessage),
		pending:  make(map[string][]pendingReaction),
	}
}

func (s *messageStore) len() int {
	return len(s.messages)
}

// insert adds a message and replays, in arrival order, any reactions that
// were waiting for it. It returns the number replayed and whether an earlier
// record with the same guid was replaced; the replacement keeps the
// reactions already applied to that record.
func (s *messageStore) insert(msg *canonicalMessage) (int, bool) {
	if msg.reactions == nil {
		msg.reactions = make(map[identity]reaction)
	}
	previous, replaced := s.messages[msg.guid]
	if replaced {
		for author, r := range previous.reactions {
			msg.reactions[author] = r
		}
	}
	s.messages[msg.guid] = msg
	queued := s.pending[msg.guid]
	for _, p := range queued {
		msg.applyReaction(p.action, p.author, p.reaction)
	}
	delete(s.pending, msg.guid)
	return len(queued), replaced
}

// react applies a reaction to its target, or buffers it when the target has
// not arrived. It reports whether the reaction was applied immediately.
func (s *messageStore) react(target string, action reactionAction, author identity, r reaction) bool {
	if msg, ok := s.messages[target]; ok {
		msg.applyReaction(action, author, r)
		return true
	}
	s.pending[target] = append(s.pending[target], pendingReaction{action: action, author: author, reaction: r})
	return false
}

// drainSorted empties the store into a slice ordered by timestamp, then guid.
// Reactions still pending are discarded; their count is returned.
func (s *messageStore) drainSorted() ([]*canonicalMessage, int) {
	out := make([]*canonicalMessage, 0, len(s.messages))
	for _, msg := range s.messages {
		out = append(out, msg)
	}
	sortMessages(out)

	orphaned := 0
	for _, queued := range s.pending {
		orphaned += len(queued)
	}
	s.messages = make(map[string]*canonicalMessage)
	s.pending = make(map[string][]pendingReaction)
	return out, orphaned
}

func sortMessages(messages []*canonicalMessage) {
	sort.Slice(messages, func(i, j int) bool {
		if messages[i].date.Equal(messages[j].date) {
			return messages[i].guid < messages[j].guid
		}
		return messages[i].date.Before(messages[j].date)
	})
}

// cleanAssociatedGUID extracts the target guid from a reaction's
// associated_message_guid, which looks like "p:0/GUID" or "bp:GUID".
func cleanAssociatedGUID(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	switch {
	case raw == "":
		return "", false
	case strings.HasPrefix(raw, "p:"):
		_, guid, found := strings.Cut(raw, "/")
		if !found || guid == "" {
			return "", false
		}
		return guid, true
	case strings.HasPrefix(raw, "bp:"):
		guid := strings.TrimPrefix(raw, "bp:")
		return guid, guid != ""
	default:
		return raw, true
	}
}

type ingestStats struct {
	rows              int
	messages          int
	filtered          int
	duplicates        int
	edited            int
	ignored           int
	reactionsApplied  int
	reactionsBuffered int
	reactionsReplayed int
	reactionsDropped  int
	reactionsOrphaned int
}

func (s ingestStats) logValue() []any {
	return []any{
		"rows", s.rows,
		"messages", s.messages,
		"filtered", s.filtered,
		"duplicates", s.duplicates,
		"edited", s.edited,
		"ignored", s.ignored,
		"reactions_applied", s.reactionsApplied,
		"reactions_buffered", s.reactionsBuffered,
		"reactions_replayed", s.reactionsReplayed,
		"reactions_dropped", s.reactionsDropped,
		"reactions_orphaned", s.reactionsOrphaned,
	}
}

// collator is the single-pass state machine fed one row at a time.
type collator struct {
	tables      lookups
	attachments attachmentSource
	filter      messageFilter
	store       *messageStore
	stats       ingestStats
	logger      *slog.Logger
}

func newCollator(tables lookups, attachments attachmentSource, filter messageFilter, logger *slog.Logger) *collator {
	if logger == nil {
		logger = slog.Default()
	}
	return &collator{
		tables:      tables,
		attachments: attachments,
		filter:      filter,
		store:       newMessageStore(),
		logger:      logger,
	}
}

// ingest applies one row. Returned errors are fatal for the run.
func (c *collator) ingest(ctx context.Context, row rawRow) error {
	c.stats.rows++
	switch row.variant {
	case variantNormal:
		msg, err := c.buildMessage(ctx, row)
		if err != nil {
			return err
		}
		if !c.filter.matches(msg) {
			c.stats.filtered++
			return nil
		}
		replayed, replaced := c.store.insert(msg)
		c.stats.reactionsReplayed += replayed
		if replaced {
			// The message query yields one row per chat the message is joined to.
			c.stats.duplicates++
			c.logger.Debug("replace message joined to several chats", "guid", msg.guid, "chat_id", msg.chatID)
			return nil
		}
		c.stats.messages++
	case variantEdited:
		c.stats.edited++
	case variantReaction:
		target, ok := cleanAssociatedGUID(row.associatedGUID)
		if !ok {
			c.stats.reactionsDropped++
			c.logger.Debug("skip reaction without target", "guid", row.guid, "associated", row.associatedGUID)
			return nil
		}
		author := resolveSender(row.isFromMe, row.handleID, c.tables)
		if c.store.react(target, row.action, author, row.reaction) {
			c.stats.reactionsApplied++
		} else {
			c.stats.reactionsBuffered++
		}
	default:
		c.stats.ignored++
	}
	return nil
}

func (c *collator) buildMessage(ctx context.Context, row rawRow) (*canonicalMessage, error) {
	date, err := selectTimestamp(row)
	if err != nil {
		return nil, err
	}

	msg := &canonicalMessage{
		guid:      row.guid,
		text:      row.text,
		from:      resolveSender(row.isFromMe, row.handleID, c.tables),
		date:      date,
		chatID:    row.chatID,
		hasChatID: row.hasChat,
		reactions: make(map[identity]reaction),
	}
	if row.hasChat {
		name, ok := resolveChatName(row.chatID, c.tables)
		if !ok {
			c.logger.Warn("no chat data for chat id", "chat_id", row.chatID, "guid", row.guid)
		}
		msg.chatName, msg.hasChatName = name, ok
	}

	if row.hasAttachments && c.attachments != nil {
		refs, err := c.attachments.attachmentsFor(ctx, row.rowID)
		if err != nil {
			return nil, fmt.Errorf("load attachments for message %s: %w", row.guid, err)
		}
		msg.attachments = refs
	}
	return msg, nil
}

// finish drains the store into its final order and logs the run summary.
func (c *collator) finish() []*canonicalMessage {
	messages, orphaned := c.store.drainSorted()
	c.stats.reactionsOrphaned = orphaned
	c.logger.Info("collation finished", c.stats.logValue()...)
	return messages
}
