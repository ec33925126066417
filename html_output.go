package main

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html/template"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var pageTemplates = template.Must(template.New("pages").ParseFS(templateFS, "templates/*.tmpl"))

type indexPage struct {
	Total       int
	GroupCount  int
	DirectCount int
	Messages    string
	Groups      []indexEntry
	Direct      []indexEntry
}

type indexEntry struct {
	Href    string
	Name    string
	Search  string
	Members string
	Count   string
	Latest  string
}

type chatPage struct {
	Title        string
	IsGroup      bool
	Participants []string
	Days         []chatDay
}

type chatDay struct {
	Label    string
	Messages []chatMessage
}

type chatMessage struct {
	FromMe      bool
	Sender      string
	Text        string
	Time        string
	Attachments []chatAttachment
	Reactions   []chatReaction
}

type chatAttachment struct {
	Href    string
	Name    string
	Size    string
	IsImage bool
}

type chatReaction struct {
	Emoji string
	From  string
}

// htmlRenderer writes index.html plus one page per conversation.
type htmlRenderer struct{}

func (htmlRenderer) render(ctx context.Context, export conversationExport) error {
	pages := conversationPagePaths(export.groups)
	for i, group := range export.groups {
		if err := ctx.Err(); err != nil {
			return err
		}
		outPath := filepath.Join(export.outputDir, filepath.FromSlash(pages[i]))
		dir := filepath.Dir(outPath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %q: %w", dir, err)
		}
		page := buildChatPage(group, export)
		if err := writeTemplate(outPath, "chat.html.tmpl", page); err != nil {
			return err
		}
	}
	return writeTemplate(filepath.Join(export.outputDir, "index.html"), "index.html.tmpl", buildIndexPage(export, pages))
}

// conversationPagePaths assigns each group a page path relative to the output
// directory. Keys that sanitize to the same file name, or differ only by case,
// get a numeric suffix.
func conversationPagePaths(groups []conversationGroup) []string {
	used := make(map[string]struct{}, len(groups))
	paths := make([]string, len(groups))
	for i, group := range groups {
		paths[i] = uniqueName(conversationSubdir(group)+"/"+sanitizeFilename(group.key)+".html", used)
	}
	return paths
}

func conversationSubdir(group conversationGroup) string {
	if group.isDirect() {
		return "direct"
	}
	return "groups"
}

func writeTemplate(outPath, name string, data any) error {
	var buf bytes.Buffer
	if err := pageTemplates.ExecuteTemplate(&buf, name, data); err != nil {
		return fmt.Errorf("render %s: %w", name, err)
	}
	if err := os.WriteFile(outPath, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write %q: %w", outPath, err)
	}
	return nil
}

func buildIndexPage(export conversationExport, pages []string) indexPage {
	page := indexPage{
		Total:    len(export.groups),
		Messages: humanize.Comma(int64(len(export.messages))),
	}
	for i, group := range export.groups {
		members := strings.Join(group.participants(), ", ")
		entry := indexEntry{
			Href:    escapeURLPath(pages[i]),
			Name:    group.title(),
			Search:  strings.ToLower(group.title() + " " + members),
			Members: members,
			Count:   humanize.Comma(int64(len(group.messages))),
			Latest:  group.latest().Format("Jan 02, 2006"),
		}
		if group.isDirect() {
			page.Direct = append(page.Direct, entry)
		} else {
			page.Groups = append(page.Groups, entry)
		}
	}
	page.GroupCount = len(page.Groups)
	page.DirectCount = len(page.Direct)
	return page
}

func buildChatPage(group conversationGroup, export conversationExport) chatPage {
	page := chatPage{
		Title:   group.title(),
		IsGroup: !group.isDirect(),
	}
	if page.IsGroup {
		page.Participants = group.participants()
	}

	for _, msg := range group.messages {
		label := msg.date.Format("January 02, 2006")
		if len(page.Days) == 0 || page.Days[len(page.Days)-1].Label != label {
			page.Days = append(page.Days, chatDay{Label: label})
		}
		day := &page.Days[len(page.Days)-1]

		cm := chatMessage{
			FromMe: msg.from.isSelf(),
			Sender: msg.from.display,
			Text:   msg.text,
			Time:   msg.date.Format("3:04 PM"),
		}
		for _, ref := range msg.attachments {
			att := chatAttachment{
				Name:    ref.displayName(),
				IsImage: ref.isImage(),
			}
			if ref.totalBytes > 0 {
				att.Size = humanize.Bytes(uint64(ref.totalBytes))
			}
			if link := export.attachmentLink(msg.guid, ref); link != "" {
				att.Href = "../" + escapeURLPath(link)
			}
			cm.Attachments = append(cm.Attachments, att)
		}
		for _, ar := range sortedReactions(msg) {
			cm.Reactions = append(cm.Reactions, chatReaction{Emoji: ar.reaction.String(), From: ar.author.display})
		}
		day.Messages = append(day.Messages, cm)
	}
	return page
}

func escapeURLPath(p string) string {
	parts := strings.Split(path.Clean(p), "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}
