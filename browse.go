package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/muesli/reflow/wordwrap"
)

type screen int

const (
	screenChats screen = iota
	screenConversation
)

// model tracks browser state across both navigation levels.
type model struct {
	screen screen
	groups []conversationGroup
	source string

	chatCursor   int
	convViewport viewport.Model
	width        int
	height       int

	status string
	now    func() time.Time
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("69"))
	helpStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))

	selectedStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("230")).Background(lipgloss.Color("62"))

	selfStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	otherStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	dayStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("220")).Bold(true)
	reactionStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

func newModel(c collection) model {
	return model{
		screen: screenChats,
		groups: c.groups,
		source: c.databasePath,
		status: fmt.Sprintf("Loaded %s messages in %d conversations from %s",
			humanize.Comma(int64(len(c.messages))), len(c.groups), c.databasePath),
		now: time.Now,
	}
}

func (m model) Init() tea.Cmd {
	return nil
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resizeViewport()
		m.refreshConversationViewport()
		return m, nil
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" || msg.String() == "q" {
			return m, tea.Quit
		}
		return m.handleKey(msg)
	}
	return m, nil
}

func (m model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch m.screen {
	case screenChats:
		return m.handleChatsKey(msg)
	case screenConversation:
		return m.handleConversationKey(msg)
	default:
		return m, nil
	}
}

func (m model) handleChatsKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "up", "k":
		m.chatCursor = clamp(m.chatCursor-1, 0, len(m.groups)-1)
	case "down", "j":
		m.chatCursor = clamp(m.chatCursor+1, 0, len(m.groups)-1)
	case "g", "home":
		m.chatCursor = 0
	case "G", "end":
		m.chatCursor = max(0, len(m.groups)-1)
	case "enter":
		group, ok := m.currentGroup()
		if !ok {
			m.status = "No conversation selected"
			return m, nil
		}
		m.screen = screenConversation
		m.refreshConversationViewport()
		m.status = fmt.Sprintf("%s messages with %s", humanize.Comma(int64(len(group.messages))), group.title())
	}
	return m, nil
}

func (m model) handleConversationKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "up", "k":
		m.convViewport.LineUp(1)
	case "down", "j":
		m.convViewport.LineDown(1)
	case "pgup":
		m.convViewport.HalfViewUp()
	case "pgdown":
		m.convViewport.HalfViewDown()
	case "g":
		m.convViewport.GotoTop()
	case "G":
		m.convViewport.GotoBottom()
	case "b", "backspace", "esc":
		m.screen = screenChats
		m.status = "Back to conversations"
	}
	return m, nil
}

func (m model) View() string {
	if m.width <= 0 || m.height <= 0 {
		return "Initializing imsg-export..."
	}

	header := m.renderHeader()
	body := m.renderBody()
	footer := helpStyle.Render(m.status)
	return header + "\n" + body + "\n" + footer
}

func (m model) renderHeader() string {
	title := "imsg-export"
	switch m.screen {
	case screenChats:
		title += " | Conversations"
		if m.source != "" {
			title += " | " + m.source
		}
	case screenConversation:
		if group, ok := m.currentGroup(); ok {
			title += " | " + group.title()
		}
	}
	return titleStyle.Render(title) + "\n" + helpStyle.Render(m.renderHelp())
}

func (m model) renderHelp() string {
	switch m.screen {
	case screenChats:
		return "up/down: move | g/G: top/bottom | enter: open conversation | q: quit"
	case screenConversation:
		return "j/k/up/down: scroll | pgup/pgdown | g/G: top/bottom | b: back | q: quit"
	default:
		return "q: quit"
	}
}

func (m model) renderBody() string {
	switch m.screen {
	case screenChats:
		return m.renderChats()
	case screenConversation:
		return m.renderConversation()
	default:
		return "Unknown screen"
	}
}

func (m model) renderChats() string {
	if len(m.groups) == 0 {
		return "No messages matched the current filters"
	}
	now := time.Now()
	if m.now != nil {
		now = m.now()
	}
	visible := max(1, m.height-4)
	offset := listOffset(m.chatCursor, len(m.groups), visible)
	nameWidth := clamp(m.width-40, 12, 60)

	lines := make([]string, 0, visible)
	for idx := offset; idx < min(len(m.groups), offset+visible); idx++ {
		group := m.groups[idx]
		kind := "group "
		if group.isDirect() {
			kind = "direct"
		}
		text := fmt.Sprintf("%s  %-*s  msgs:%s  %s",
			kind,
			nameWidth, truncateString(group.title(), nameWidth),
			humanize.Comma(int64(len(group.messages))),
			humanize.RelTime(group.latest(), now, "ago", "from now"),
		)
		line := "  " + text
		if idx == m.chatCursor {
			line = selectedStyle.Render("> " + text)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func (m model) renderConversation() string {
	if m.convViewport.Width <= 0 || m.convViewport.Height <= 0 {
		return "Resizing conversation viewport..."
	}
	return m.convViewport.View()
}

func (m *model) resizeViewport() {
	width := max(20, m.width-2)
	height := max(3, m.height-4)
	if m.convViewport.Width == 0 {
		m.convViewport = viewport.New(width, height)
		return
	}
	m.convViewport.Width = width
	m.convViewport.Height = height
}

func (m *model) refreshConversationViewport() {
	if m.convViewport.Width <= 0 || m.convViewport.Height <= 0 {
		return
	}
	group, ok := m.currentGroup()
	if !ok || len(group.messages) == 0 {
		m.convViewport.SetContent("No messages loaded")
		m.convViewport.GotoTop()
		return
	}
	m.convViewport.SetContent(renderConversationText(group.messages, m.convViewport.Width))
	m.convViewport.GotoBottom()
}

// renderConversationText lays out messages with a separator line per day.
func renderConversationText(messages []*canonicalMessage, width int) string {
	maxWidth := max(20, width-2)
	chunks := make([]string, 0, len(messages))
	lastDay := ""
	for _, msg := range messages {
		day := msg.date.Format("Monday, January 02, 2006")
		if day != lastDay {
			chunks = append(chunks, dayStyle.Render("── "+day+" ──"))
			lastDay = day
		}

		style := otherStyle
		if msg.from.isSelf() {
			style = selfStyle
		}
		header := fmt.Sprintf("%s  %s", msg.date.Format("15:04"), msg.from.display)

		body := msg.text
		if strings.TrimSpace(body) == "" && len(msg.attachments) == 0 {
			body = "(no text content)"
		}
		lines := make([]string, 0, 4)
		if strings.TrimSpace(body) != "" {
			lines = append(lines, indentLines(wrapText(body, maxWidth), "  "))
		}
		for _, ref := range msg.attachments {
			label := "[attachment] " + ref.displayName()
			if ref.totalBytes > 0 {
				label += " (" + humanize.Bytes(uint64(ref.totalBytes)) + ")"
			}
			lines = append(lines, "  "+label)
		}

		chunk := style.Bold(true).Render(header) + "\n" + style.Render(strings.Join(lines, "\n"))
		if reactions := sortedReactions(msg); len(reactions) > 0 {
			parts := make([]string, 0, len(reactions))
			for _, ar := range reactions {
				parts = append(parts, ar.reaction.String()+" "+ar.author.display)
			}
			chunk += "\n" + reactionStyle.Render("  "+strings.Join(parts, "  "))
		}
		chunks = append(chunks, chunk)
	}
	return strings.Join(chunks, "\n\n")
}

func wrapText(text string, width int) string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return ""
	}
	wrapped := wordwrap.String(trimmed, width)
	return strings.ReplaceAll(wrapped, "\r", "")
}

func indentLines(text, prefix string) string {
	lines := strings.Split(text, "\n")
	for idx := range lines {
		lines[idx] = prefix + lines[idx]
	}
	return strings.Join(lines, "\n")
}

func (m model) currentGroup() (conversationGroup, bool) {
	if len(m.groups) == 0 || m.chatCursor < 0 || m.chatCursor >= len(m.groups) {
		return conversationGroup{}, false
	}
	return m.groups[m.chatCursor], true
}

func listOffset(cursor, total, visible int) int {
	if total <= visible {
		return 0
	}
	offset := cursor - visible/2
	maxOffset := total - visible
	return clamp(offset, 0, maxOffset)
}

func truncateString(text string, width int) string {
	if width <= 0 {
		return ""
	}
	runes := []rune(text)
	if len(runes) <= width {
		return text
	}
	if width <= 3 {
		return string(runes[:width])
	}
	return string(runes[:width-3]) + "..."
}

func clamp(value, low, high int) int {
	if high < low {
		return low
	}
	if value < low {
		return low
	}
	if value > high {
		return high
	}
	return value
}
