package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// chatInfo is one row of the chat table.
type chatInfo struct {
	displayName    string
	chatIdentifier string
}

const (
	reactionAddedBase   = 2000
	reactionRemovedBase = 3000
	reactionKindCount   = 8
)

// optionalMessageColumns are absent from chat.db files written by older
// macOS releases.
var optionalMessageColumns = []string{
	"attributedBody",
	"associated_message_emoji",
	"item_type",
	"balloon_bundle_id",
	"date_edited",
}

func openChatDB(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("open chat db %q: %w", path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect chat db %q: %w", path, err)
	}
	return db, nil
}

func loadChatCache(ctx context.Context, db *sql.DB) (map[int64]chatInfo, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT ROWID, COALESCE(display_name, ''), COALESCE(chat_identifier, '')
		FROM chat
	`)
	if err != nil {
		return nil, fmt.Errorf("query chats: %w", err)
	}
	defer rows.Close()

	chats := make(map[int64]chatInfo)
	for rows.Next() {
		var id int64
		var chat chatInfo
		if err := rows.Scan(&id, &chat.displayName, &chat.chatIdentifier); err != nil {
			return nil, fmt.Errorf("scan chat row: %w", err)
		}
		chat.displayName = strings.TrimSpace(chat.displayName)
		chats[id] = chat
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat rows: %w", err)
	}
	return chats, nil
}

func loadHandleCache(ctx context.Context, db *sql.DB) (map[int64]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT ROWID, id FROM handle`)
	if err != nil {
		return nil, fmt.Errorf("query handles: %w", err)
	}
	defer rows.Close()

	handles := make(map[int64]string)
	for rows.Next() {
		var id int64
		var identifier sql.NullString
		if err := rows.Scan(&id, &identifier); err != nil {
			return nil, fmt.Errorf("scan handle row: %w", err)
		}
		handles[id] = identifier.String
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate handle rows: %w", err)
	}
	return handles, nil
}

func loadMessageColumns(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, `PRAGMA table_info(message)`)
	if err != nil {
		return nil, fmt.Errorf("inspect message table: %w", err)
	}
	defer rows.Close()

	columns := make(map[string]bool)
	for rows.Next() {
		var (
			cid       int
			name      string
			colType   string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return nil, fmt.Errorf("scan message column: %w", err)
		}
		columns[name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message columns: %w", err)
	}
	return columns, nil
}

func buildMessageStreamQuery(columns map[string]bool) string {
	optional := make([]string, 0, len(optionalMessageColumns))
	for _, name := range optionalMessageColumns {
		if columns[name] {
			optional = append(optional, "m."+name)
		} else {
			optional = append(optional, "NULL")
		}
	}
	return fmt.Sprintf(`
		SELECT
			m.ROWID, m.guid, m.text, m.handle_id, m.is_from_me,
			m.date, m.date_read, m.date_delivered, m.cache_has_attachments,
			m.associated_message_guid, m.associated_message_type,
			%s,
			cmj.chat_id
		FROM message m
		LEFT JOIN chat_message_join cmj ON cmj.message_id = m.ROWID
		ORDER BY m.date ASC, m.ROWID ASC
	`, strings.Join(optional, ", "))
}

// streamMessages pulls every message row and hands it to fn in date order.
// The first scan or callback error stops the stream and is returned.
func streamMessages(ctx context.Context, db *sql.DB, fn func(rawRow) error) error {
	columns, err := loadMessageColumns(ctx, db)
	if err != nil {
		return err
	}
	rows, err := db.QueryContext(ctx, buildMessageStreamQuery(columns))
	if err != nil {
		return fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			row            rawRow
			guid           sql.NullString
			text           sql.NullString
			handleID       sql.NullInt64
			isFromMe       sql.NullInt64
			date           sql.NullInt64
			dateRead       sql.NullInt64
			dateDelivered  sql.NullInt64
			hasAttachments sql.NullInt64
			associatedGUID sql.NullString
			associatedType sql.NullInt64
			attributedBody []byte
			emoji          sql.NullString
			itemType       sql.NullInt64
			balloon        sql.NullString
			dateEdited     sql.NullInt64
			chatID         sql.NullInt64
		)
		if err := rows.Scan(
			&row.rowID, &guid, &text, &handleID, &isFromMe,
			&date, &dateRead, &dateDelivered, &hasAttachments,
			&associatedGUID, &associatedType,
			&attributedBody, &emoji, &itemType, &balloon, &dateEdited,
			&chatID,
		); err != nil {
			return fmt.Errorf("scan message row: %w", err)
		}

		row.guid = guid.String
		row.text = text.String
		if row.text == "" && len(attributedBody) > 0 {
			row.text = extractAttributedBodyText(attributedBody)
		}
		row.handleID = handleID.Int64
		row.isFromMe = isFromMe.Int64 != 0
		row.date = date.Int64
		row.dateRead = dateRead.Int64
		row.dateDelivered = dateDelivered.Int64
		row.hasAttachments = hasAttachments.Int64 != 0
		row.chatID, row.hasChat = chatID.Int64, chatID.Valid
		row.associatedGUID = associatedGUID.String
		row.variant = classifyRow(&row, associatedType.Int64, emoji.String, itemType.Int64, balloon.String, dateEdited.Int64)

		if err := fn(row); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate message rows: %w", err)
	}
	return nil
}

// classifyRow derives the row variant and fills the reaction fields for
// tapback rows.
func classifyRow(row *rawRow, associatedType int64, emoji string, itemType int64, balloon string, dateEdited int64) rowVariant {
	switch {
	case associatedType >= reactionAddedBase && associatedType < reactionAddedBase+reactionKindCount:
		row.action = reactionAdded
		row.reaction = reaction{kind: reactionKind(associatedType - reactionAddedBase), emoji: emoji}
		return variantReaction
	case associatedType >= reactionRemovedBase && associatedType < reactionRemovedBase+reactionKindCount:
		row.action = reactionRemoved
		row.reaction = reaction{kind: reactionKind(associatedType - reactionRemovedBase), emoji: emoji}
		return variantReaction
	case associatedType != 0:
		return variantOther
	case itemType != 0:
		return variantOther
	case balloon != "":
		return variantOther
	case dateEdited != 0:
		return variantEdited
	default:
		return variantNormal
	}
}

// extractAttributedBodyText pulls the plain string out of a typedstream
// encoded NSAttributedString. Newer macOS releases leave the text column
// empty and only fill attributedBody.
func extractAttributedBodyText(blob []byte) string {
	idx := bytes.Index(blob, []byte("NSString"))
	if idx < 0 {
		return ""
	}
	rest := blob[idx+len("NSString"):]
	plus := bytes.IndexByte(rest, '+')
	if plus < 0 || plus+1 >= len(rest) {
		return ""
	}
	rest = rest[plus+1:]

	length := int(rest[0])
	rest = rest[1:]
	switch length {
	case 0x81:
		if len(rest) < 2 {
			return ""
		}
		length = int(binary.LittleEndian.Uint16(rest[:2]))
		rest = rest[2:]
	case 0x82:
		if len(rest) < 4 {
			return ""
		}
		length = int(binary.LittleEndian.Uint32(rest[:4]))
		rest = rest[4:]
	}
	if length > len(rest) {
		return ""
	}
	return string(rest[:length])
}

// chatDBAttachments reads attachment records for a message from chat.db.
type chatDBAttachments struct {
	db *sql.DB
}

func (a chatDBAttachments) attachmentsFor(ctx context.Context, rowID int64) ([]attachmentRef, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT a.ROWID, COALESCE(a.filename, ''), COALESCE(a.transfer_name, ''),
		       COALESCE(a.mime_type, ''), COALESCE(a.total_bytes, 0)
		FROM message_attachment_join j
		JOIN attachment a ON a.ROWID = j.attachment_id
		WHERE j.message_id = ?
		ORDER BY a.ROWID ASC
	`, rowID)
	if err != nil {
		return nil, fmt.Errorf("query attachments for message %d: %w", rowID, err)
	}
	defer rows.Close()

	refs := make([]attachmentRef, 0, 2)
	for rows.Next() {
		var ref attachmentRef
		if err := rows.Scan(&ref.rowID, &ref.filename, &ref.transferName, &ref.mimeType, &ref.totalBytes); err != nil {
			return nil, fmt.Errorf("scan attachment row: %w", err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attachment rows: %w", err)
	}
	return refs, nil
}
