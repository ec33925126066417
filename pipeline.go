package main

import (
	"context"
	"log/slog"
)

// collection is the finalized, ordered result of one collation run.
type collection struct {
	messages     []*canonicalMessage
	groups       []conversationGroup
	databasePath string
}

// collectMessages loads the lookup tables, streams chat.db through the
// collator and groups the drained messages.
func collectMessages(ctx context.Context, opts collectOptions, logger *slog.Logger) (collection, error) {
	contacts, err := resolveContactDirectory(ctx, opts)
	if err != nil {
		return collection{}, err
	}
	logger.Debug("contact directory loaded", "entries", len(contacts))

	db, err := openChatDB(ctx, opts.databasePath)
	if err != nil {
		return collection{}, err
	}
	defer db.Close()

	chats, err := loadChatCache(ctx, db)
	if err != nil {
		return collection{}, err
	}
	handles, err := loadHandleCache(ctx, db)
	if err != nil {
		return collection{}, err
	}

	tables := lookups{chats: chats, handles: handles, contacts: contacts}
	filter := newMessageFilter(opts.startDate, opts.endDate, opts.chats)
	c := newCollator(tables, chatDBAttachments{db: db}, filter, logger)

	if err := streamMessages(ctx, db, func(row rawRow) error {
		return c.ingest(ctx, row)
	}); err != nil {
		return collection{}, err
	}

	messages := c.finish()
	return collection{
		messages:     messages,
		groups:       groupConversations(messages),
		databasePath: opts.databasePath,
	}, nil
}
