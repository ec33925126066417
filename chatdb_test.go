package main

import (
	"context"
	"database/sql"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const legacyMessageSchema = `
	CREATE TABLE message (
		guid TEXT UNIQUE NOT NULL,
		text TEXT,
		handle_id INTEGER DEFAULT 0,
		is_from_me INTEGER DEFAULT 0,
		date INTEGER,
		date_read INTEGER,
		date_delivered INTEGER,
		cache_has_attachments INTEGER DEFAULT 0,
		associated_message_guid TEXT,
		associated_message_type INTEGER DEFAULT 0
	)
`

const modernMessageSchema = `
	CREATE TABLE message (
		guid TEXT UNIQUE NOT NULL,
		text TEXT,
		attributedBody BLOB,
		handle_id INTEGER DEFAULT 0,
		is_from_me INTEGER DEFAULT 0,
		date INTEGER,
		date_read INTEGER,
		date_delivered INTEGER,
		date_edited INTEGER DEFAULT 0,
		cache_has_attachments INTEGER DEFAULT 0,
		associated_message_guid TEXT,
		associated_message_type INTEGER DEFAULT 0,
		associated_message_emoji TEXT,
		item_type INTEGER DEFAULT 0,
		balloon_bundle_id TEXT
	)
`

// createChatTestDB writes an empty chat.db with the given message table
// definition and returns its path.
func createChatTestDB(t *testing.T, messageSchema string) (string, *sql.DB) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "chat.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open sqlite db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	mustExec(t, db, messageSchema)
	mustExec(t, db, `CREATE TABLE handle (id TEXT NOT NULL, service TEXT)`)
	mustExec(t, db, `CREATE TABLE chat (chat_identifier TEXT, display_name TEXT)`)
	mustExec(t, db, `CREATE TABLE chat_message_join (chat_id INTEGER, message_id INTEGER)`)
	mustExec(t, db, `
		CREATE TABLE attachment (
			filename TEXT,
			mime_type TEXT,
			transfer_name TEXT,
			total_bytes INTEGER DEFAULT 0
		)
	`)
	mustExec(t, db, `CREATE TABLE message_attachment_join (message_id INTEGER, attachment_id INTEGER)`)
	return dbPath, db
}

// seedModernChatDB fills a modern-schema database with one of each row kind.
func seedModernChatDB(t *testing.T, db *sql.DB) {
	t.Helper()
	mustExec(t, db, `INSERT INTO handle (ROWID, id) VALUES (7, '+15555550101'), (8, 'bob@example.com')`)
	mustExec(t, db, `INSERT INTO chat (ROWID, chat_identifier, display_name) VALUES (1, 'chat1', 'Book Club'), (2, '+15555550101', '')`)

	mustExec(t, db, `
		INSERT INTO message (ROWID, guid, text, handle_id, is_from_me, date, date_read, date_delivered)
		VALUES (1, 'A', 'hi', 7, 0, 100, 0, 100)
	`)
	mustExec(t, db, `
		INSERT INTO message (ROWID, guid, handle_id, date, associated_message_guid, associated_message_type)
		VALUES (2, 'R1', 7, 110, 'p:0/A', 2000)
	`)
	mustExec(t, db, `
		INSERT INTO message (ROWID, guid, attributedBody, handle_id, is_from_me, date, cache_has_attachments)
		VALUES (3, 'B', ?, 0, 1, 120, 1)
	`, attributedBodyBlob("hello from body"))
	mustExec(t, db, `
		INSERT INTO message (ROWID, guid, text, handle_id, date, date_edited)
		VALUES (4, 'E', 'edited', 7, 130, 135)
	`)
	mustExec(t, db, `
		INSERT INTO message (ROWID, guid, text, handle_id, date, balloon_bundle_id)
		VALUES (5, 'L', 'https://example.com', 8, 140, 'com.apple.messages.URLBalloonProvider')
	`)
	mustExec(t, db, `INSERT INTO message (ROWID, guid, handle_id, date, item_type) VALUES (6, 'G', 8, 150, 1)`)
	mustExec(t, db, `
		INSERT INTO message (ROWID, guid, handle_id, date, associated_message_guid, associated_message_type)
		VALUES (7, 'R2', 8, 160, 'bp:A', 3001)
	`)
	mustExec(t, db, `
		INSERT INTO message (ROWID, guid, handle_id, date, associated_message_guid, associated_message_type, associated_message_emoji)
		VALUES (8, 'R3', 8, 170, 'p:0/Z', 2006, '🔥')
	`)
	mustExec(t, db, `
		INSERT INTO message (ROWID, guid, text, handle_id, date, balloon_bundle_id)
		VALUES (9, 'P', '', 8, 180, 'com.apple.DigitalTouchBalloonProvider')
	`)

	mustExec(t, db, `
		INSERT INTO chat_message_join (chat_id, message_id)
		VALUES (2, 1), (2, 2), (1, 3), (1, 4), (1, 5), (1, 6), (1, 7), (1, 8), (1, 9)
	`)
	mustExec(t, db, `
		INSERT INTO attachment (ROWID, filename, mime_type, transfer_name, total_bytes)
		VALUES (1, '~/Library/Messages/Attachments/ab/01/photo.jpg', 'image/jpeg', 'photo.jpg', 2048),
		       (2, '~/Library/Messages/Attachments/ab/02/gone.mov', 'video/quicktime', 'gone.mov', 4096)
	`)
	mustExec(t, db, `INSERT INTO message_attachment_join (message_id, attachment_id) VALUES (3, 1), (3, 2)`)
}

func attributedBodyBlob(text string) []byte {
	blob := []byte("\x04\x0bstreamtyped\x81\xe8\x03\x84\x01@\x84\x84\x84\x12NSAttributedString\x00\x84\x84\x08NSObject\x00\x85\x92\x84\x84\x84\x08NSString\x01\x94\x84\x01+")
	if len(text) < 0x80 {
		blob = append(blob, byte(len(text)))
	} else {
		blob = append(blob, 0x81)
		blob = binary.LittleEndian.AppendUint16(blob, uint16(len(text)))
	}
	blob = append(blob, text...)
	return append(blob, "\x86\x84\x02iI\x01"...)
}

func mustExec(t *testing.T, db *sql.DB, query string, args ...any) {
	t.Helper()
	if _, err := db.Exec(query, args...); err != nil {
		t.Fatalf("exec query failed: %v\nquery:\n%s", err, query)
	}
}

func streamAll(t *testing.T, dbPath string) map[string]rawRow {
	t.Helper()
	db, err := openChatDB(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("open chat db: %v", err)
	}
	defer db.Close()

	rows := make(map[string]rawRow)
	order := make([]string, 0, 8)
	if err := streamMessages(context.Background(), db, func(row rawRow) error {
		rows[row.guid] = row
		order = append(order, row.guid)
		return nil
	}); err != nil {
		t.Fatalf("stream messages: %v", err)
	}
	for i := 1; i < len(order); i++ {
		if rows[order[i-1]].date > rows[order[i]].date {
			t.Fatalf("rows out of date order: %v", order)
		}
	}
	return rows
}

func TestStreamMessagesClassifiesRows(t *testing.T) {
	t.Parallel()

	dbPath, db := createChatTestDB(t, modernMessageSchema)
	seedModernChatDB(t, db)

	rows := streamAll(t, dbPath)
	if len(rows) != 9 {
		t.Fatalf("expected 9 rows, got %d", len(rows))
	}

	tests := []struct {
		guid string
		want rowVariant
	}{
		{"A", variantNormal},
		{"R1", variantReaction},
		{"B", variantNormal},
		{"E", variantEdited},
		{"L", variantOther},
		{"G", variantOther},
		{"R2", variantReaction},
		{"R3", variantReaction},
		{"P", variantOther},
	}
	for _, tc := range tests {
		if got := rows[tc.guid].variant; got != tc.want {
			t.Fatalf("%s classified as %s, want %s", tc.guid, got, tc.want)
		}
	}

	a := rows["A"]
	if a.handleID != 7 || a.isFromMe || !a.hasChat || a.chatID != 2 || a.dateDelivered != 100 {
		t.Fatalf("unexpected row A: %+v", a)
	}
	b := rows["B"]
	if b.text != "hello from body" || !b.isFromMe || !b.hasAttachments || b.chatID != 1 {
		t.Fatalf("unexpected row B: %+v", b)
	}
	if r := rows["R1"]; r.action != reactionAdded || r.reaction.kind != reactionLoved || r.associatedGUID != "p:0/A" {
		t.Fatalf("unexpected row R1: %+v", r)
	}
	if r := rows["R2"]; r.action != reactionRemoved || r.reaction.kind != reactionLiked {
		t.Fatalf("unexpected row R2: %+v", r)
	}
	if r := rows["R3"]; r.reaction.kind != reactionEmoji || r.reaction.String() != "🔥" {
		t.Fatalf("unexpected row R3: %+v", r)
	}
}

func TestStreamMessagesHandlesLegacySchema(t *testing.T) {
	t.Parallel()

	dbPath, db := createChatTestDB(t, legacyMessageSchema)
	mustExec(t, db, `INSERT INTO handle (ROWID, id) VALUES (3, 'carol@example.com')`)
	mustExec(t, db, `
		INSERT INTO message (ROWID, guid, text, handle_id, date, date_delivered)
		VALUES (1, 'X', 'old message', 3, 10, 12)
	`)
	mustExec(t, db, `
		INSERT INTO message (ROWID, guid, handle_id, date, associated_message_guid, associated_message_type)
		VALUES (2, 'Y', 3, 20, 'p:0/X', 2003)
	`)

	rows := streamAll(t, dbPath)
	if got := rows["X"]; got.variant != variantNormal || got.text != "old message" || got.hasChat {
		t.Fatalf("unexpected row X: %+v", got)
	}
	if got := rows["Y"]; got.variant != variantReaction || got.reaction.kind != reactionLaughed {
		t.Fatalf("unexpected row Y: %+v", got)
	}
}

func TestLoadCaches(t *testing.T) {
	t.Parallel()

	dbPath, db := createChatTestDB(t, modernMessageSchema)
	seedModernChatDB(t, db)
	mustExec(t, db, `INSERT INTO chat (ROWID, chat_identifier, display_name) VALUES (3, 'chat3', NULL)`)

	ro, err := openChatDB(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("open chat db: %v", err)
	}
	defer ro.Close()

	chats, err := loadChatCache(context.Background(), ro)
	if err != nil {
		t.Fatalf("load chats: %v", err)
	}
	if chats[1].displayName != "Book Club" || chats[2].chatIdentifier != "+15555550101" || chats[3].displayName != "" {
		t.Fatalf("unexpected chats %+v", chats)
	}
	handles, err := loadHandleCache(context.Background(), ro)
	if err != nil {
		t.Fatalf("load handles: %v", err)
	}
	if handles[7] != "+15555550101" || handles[8] != "bob@example.com" {
		t.Fatalf("unexpected handles %+v", handles)
	}

	refs, err := chatDBAttachments{db: ro}.attachmentsFor(context.Background(), 3)
	if err != nil {
		t.Fatalf("load attachments: %v", err)
	}
	if len(refs) != 2 || refs[0].transferName != "photo.jpg" || refs[0].totalBytes != 2048 || !refs[0].isImage() {
		t.Fatalf("unexpected attachments %+v", refs)
	}
}

func TestOpenChatDBMissingFile(t *testing.T) {
	t.Parallel()

	_, err := openChatDB(context.Background(), filepath.Join(t.TempDir(), "missing", "chat.db"))
	if err == nil {
		t.Fatalf("expected error opening a missing database")
	}
}

func TestBuildMessageStreamQuerySubstitutesMissingColumns(t *testing.T) {
	t.Parallel()

	query := buildMessageStreamQuery(map[string]bool{"attributedBody": true})
	for _, want := range []string{"m.attributedBody", "NULL, NULL, NULL, NULL", "LEFT JOIN chat_message_join"} {
		if !strings.Contains(query, want) {
			t.Fatalf("query missing %q:\n%s", want, query)
		}
	}
}

func TestExtractAttributedBodyText(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("x", 300)
	tests := []struct {
		name string
		blob []byte
		want string
	}{
		{"short", attributedBodyBlob("hello"), "hello"},
		{"unicode", attributedBodyBlob("héllo 👋"), "héllo 👋"},
		{"two byte length", attributedBodyBlob(long), long},
		{"no marker", []byte("streamtyped"), ""},
		{"truncated", attributedBodyBlob("hello")[:76], ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := extractAttributedBodyText(tc.blob); got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestClassifyRow(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		associatedType int64
		itemType       int64
		balloon        string
		dateEdited     int64
		want           rowVariant
	}{
		{"plain", 0, 0, "", 0, variantNormal},
		{"url preview", 0, 0, "com.apple.messages.URLBalloonProvider", 0, variantOther},
		{"app balloon", 0, 0, "com.apple.Handwriting.HandwritingProvider", 0, variantOther},
		{"group rename", 0, 2, "", 0, variantOther},
		{"edited", 0, 0, "", 42, variantEdited},
		{"sticker added", 2007, 0, "", 0, variantReaction},
		{"question removed", 3005, 0, "", 0, variantReaction},
		{"out of range associated", 1000, 0, "", 0, variantOther},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var row rawRow
			if got := classifyRow(&row, tc.associatedType, "", tc.itemType, tc.balloon, tc.dateEdited); got != tc.want {
				t.Fatalf("got %s, want %s", got, tc.want)
			}
		})
	}
}

func writeAttachmentFixture(t *testing.T, dbPath, rel string, data []byte) {
	t.Helper()
	full := filepath.Join(filepath.Dir(dbPath), filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatalf("create attachment dir: %v", err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		t.Fatalf("write attachment: %v", err)
	}
}
