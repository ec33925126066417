package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

var errOutputExists = errors.New("output directory already exists")

// renderer writes a finished export to some sink.
type renderer interface {
	render(ctx context.Context, export conversationExport) error
}

// conversationExport is what renderers receive. Messages are read-only from
// here on.
type conversationExport struct {
	messages     []*canonicalMessage
	groups       []conversationGroup
	databasePath string
	outputDir    string
	// saved maps an attachment to its path relative to outputDir.
	saved map[attachmentKey]string
}

type attachmentKey struct {
	guid  string
	rowID int64
}

// attachmentLink returns the exported relative path of an attachment, or ""
// when its bytes were not available.
func (e conversationExport) attachmentLink(guid string, ref attachmentRef) string {
	return e.saved[attachmentKey{guid: guid, rowID: ref.rowID}]
}

// checkOutputDirectory refuses to reuse an existing directory.
func checkOutputDirectory(dir string) error {
	if _, err := os.Stat(dir); err == nil {
		return fmt.Errorf("%w: %q; remove it or pass --output-directory", errOutputExists, dir)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("stat output directory %q: %w", dir, err)
	}
	return nil
}

// exportConversations creates outputDir, copies attachments and hands the
// result to r.
func exportConversations(ctx context.Context, c collection, outputDir string, r renderer, logger *slog.Logger) error {
	if len(c.messages) == 0 {
		logger.Info("no messages matched; nothing written")
		return nil
	}
	if err := checkOutputDirectory(outputDir); err != nil {
		return err
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return fmt.Errorf("create output directory %q: %w", outputDir, err)
	}

	reader, err := newAttachmentReader(c.databasePath)
	if err != nil {
		return err
	}
	saved, err := saveAttachments(outputDir, c.messages, reader, logger)
	if err != nil {
		return err
	}

	export := conversationExport{
		messages:     c.messages,
		groups:       c.groups,
		databasePath: c.databasePath,
		outputDir:    outputDir,
		saved:        saved,
	}
	return r.render(ctx, export)
}

// attachmentFile is one attachment's bytes, ready to write.
type attachmentFile struct {
	ref  attachmentRef
	name string
	data []byte
}

// attachmentReader resolves chat.db attachment paths to bytes on disk.
type attachmentReader struct {
	databaseDir string
	homeDir     string
}

func newAttachmentReader(databasePath string) (attachmentReader, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return attachmentReader{}, fmt.Errorf("resolve home dir: %w", err)
	}
	return attachmentReader{databaseDir: filepath.Dir(databasePath), homeDir: home}, nil
}

// candidates lists the locations to try for a stored attachment path. Paths
// under ~/Library/Messages are first looked up next to the database so that
// copied databases keep working.
func (r attachmentReader) candidates(stored string) []string {
	const messagesPrefix = "~/Library/Messages/"
	switch {
	case strings.HasPrefix(stored, messagesPrefix):
		rel := strings.TrimPrefix(stored, messagesPrefix)
		return []string{
			filepath.Join(r.databaseDir, filepath.FromSlash(rel)),
			filepath.Join(r.homeDir, "Library", "Messages", filepath.FromSlash(rel)),
		}
	case strings.HasPrefix(stored, "~/"):
		return []string{filepath.Join(r.homeDir, filepath.FromSlash(strings.TrimPrefix(stored, "~/")))}
	case filepath.IsAbs(stored):
		return []string{stored}
	default:
		return []string{filepath.Join(r.databaseDir, filepath.FromSlash(stored))}
	}
}

// load returns the bytes of every attachment of msg that exists on disk.
// Missing files are skipped; any other read failure is returned.
func (r attachmentReader) load(msg *canonicalMessage) ([]attachmentFile, []attachmentRef, error) {
	files := make([]attachmentFile, 0, len(msg.attachments))
	var missing []attachmentRef
	for _, ref := range msg.attachments {
		if ref.filename == "" {
			missing = append(missing, ref)
			continue
		}
		found := false
		for _, candidate := range r.candidates(ref.filename) {
			data, err := os.ReadFile(candidate)
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			if err != nil {
				return nil, nil, fmt.Errorf("read attachment %q of message %s: %w", candidate, msg.guid, err)
			}
			files = append(files, attachmentFile{ref: ref, name: path.Base(filepath.ToSlash(candidate)), data: data})
			found = true
			break
		}
		if !found {
			missing = append(missing, ref)
		}
	}
	return files, missing, nil
}

// attachmentSubpath spreads message directories over two levels:
// "FE718EBE-..." becomes "FE/71/FE718EBE-...".
func attachmentSubpath(guid string) string {
	if len(guid) < 4 {
		return guid
	}
	return path.Join(guid[0:2], guid[2:4], guid)
}

func saveAttachments(outputDir string, messages []*canonicalMessage, reader attachmentReader, logger *slog.Logger) (map[attachmentKey]string, error) {
	saved := make(map[attachmentKey]string)
	for _, msg := range messages {
		if len(msg.attachments) == 0 {
			continue
		}
		files, missing, err := reader.load(msg)
		if err != nil {
			return nil, err
		}
		for _, ref := range missing {
			logger.Warn("attachment not on disk", "guid", msg.guid, "attachment", ref.displayName())
		}
		if len(files) == 0 {
			continue
		}

		rel := path.Join("attachments", attachmentSubpath(msg.guid))
		dir := filepath.Join(outputDir, filepath.FromSlash(rel))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create attachment dir %q: %w", dir, err)
		}
		used := make(map[string]struct{}, len(files))
		for _, file := range files {
			name := uniqueName(sanitizeFilename(file.name), used)
			if err := os.WriteFile(filepath.Join(dir, name), file.data, 0o644); err != nil {
				return nil, fmt.Errorf("write attachment %q: %w", name, err)
			}
			saved[attachmentKey{guid: msg.guid, rowID: file.ref.rowID}] = path.Join(rel, name)
		}
	}
	return saved, nil
}

// sanitizeFilename replaces characters that are unsafe in file names.
func sanitizeFilename(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		default:
			return r
		}
	}, name)
}

// uniqueName returns name, or name with " (N)" inserted before its extension,
// such that it differs from every entry in used ignoring case. The result is
// recorded in used.
func uniqueName(name string, used map[string]struct{}) string {
	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	candidate := name
	for n := 2; ; n++ {
		key := strings.ToLower(candidate)
		if _, taken := used[key]; !taken {
			used[key] = struct{}{}
			return candidate
		}
		candidate = fmt.Sprintf("%s (%d)%s", stem, n, ext)
	}
}

// authorReaction pairs a reaction with its author for ordered output.
type authorReaction struct {
	author   identity
	reaction reaction
}

// sortedReactions orders a message's reactions by author name, then id.
func sortedReactions(msg *canonicalMessage) []authorReaction {
	out := make([]authorReaction, 0, len(msg.reactions))
	for author, r := range msg.reactions {
		out = append(out, authorReaction{author: author, reaction: r})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].author.display == out[j].author.display {
			return out[i].author.id < out[j].author.id
		}
		return out[i].author.display < out[j].author.display
	})
	return out
}

type jsonExport struct {
	Database      string             `json:"database"`
	ExportedAt    time.Time          `json:"exportedAt"`
	MessageCount  int                `json:"messageCount"`
	Conversations []jsonConversation `json:"conversations"`
}

type jsonConversation struct {
	Key          string        `json:"key"`
	Title        string        `json:"title"`
	Direct       bool          `json:"direct"`
	Participants []string      `json:"participants"`
	Messages     []jsonMessage `json:"messages"`
}

type jsonMessage struct {
	GUID        string           `json:"guid"`
	From        string           `json:"from"`
	FromID      int64            `json:"fromId"`
	Date        time.Time        `json:"date"`
	Text        string           `json:"text"`
	Attachments []jsonAttachment `json:"attachments,omitempty"`
	Reactions   []jsonReaction   `json:"reactions,omitempty"`
}

type jsonAttachment struct {
	Name     string `json:"name"`
	MimeType string `json:"mimeType,omitempty"`
	Bytes    int64  `json:"bytes"`
	Path     string `json:"path,omitempty"`
}

type jsonReaction struct {
	From  string `json:"from"`
	Emoji string `json:"emoji"`
}

// jsonRenderer writes conversations.json into the output directory.
type jsonRenderer struct {
	now func() time.Time
}

func (r jsonRenderer) render(_ context.Context, export conversationExport) error {
	now := time.Now
	if r.now != nil {
		now = r.now
	}
	doc := jsonExport{
		Database:      export.databasePath,
		ExportedAt:    now().UTC(),
		MessageCount:  len(export.messages),
		Conversations: make([]jsonConversation, 0, len(export.groups)),
	}
	for _, group := range export.groups {
		conv := jsonConversation{
			Key:          group.key,
			Title:        group.title(),
			Direct:       group.isDirect(),
			Participants: group.participants(),
			Messages:     make([]jsonMessage, 0, len(group.messages)),
		}
		for _, msg := range group.messages {
			jm := jsonMessage{
				GUID:   msg.guid,
				From:   msg.from.display,
				FromID: msg.from.id,
				Date:   msg.date,
				Text:   msg.text,
			}
			for _, ref := range msg.attachments {
				jm.Attachments = append(jm.Attachments, jsonAttachment{
					Name:     ref.displayName(),
					MimeType: ref.mimeType,
					Bytes:    ref.totalBytes,
					Path:     export.attachmentLink(msg.guid, ref),
				})
			}
			for _, ar := range sortedReactions(msg) {
				jm.Reactions = append(jm.Reactions, jsonReaction{From: ar.author.display, Emoji: ar.reaction.String()})
			}
			conv.Messages = append(conv.Messages, jm)
		}
		doc.Conversations = append(doc.Conversations, conv)
	}

	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode conversations: %w", err)
	}
	outPath := filepath.Join(export.outputDir, "conversations.json")
	if err := os.WriteFile(outPath, raw, 0o644); err != nil {
		return fmt.Errorf("write %q: %w", outPath, err)
	}
	return nil
}
