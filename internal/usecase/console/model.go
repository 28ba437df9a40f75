package console

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"eventrelay/internal/domain/event"
	"eventrelay/internal/ports"
)

const defaultLimit = 30

// queueReader is the slice of the dispatcher service the console needs.
type queueReader interface {
	ListRecentEvents(ctx context.Context, limit int) ([]ports.EventSummary, error)
	ProcessEventQueue(ctx context.Context, clean bool)
}

type Options struct {
	RefreshInterval time.Duration
	Limit           int
}

type model struct {
	ctx             context.Context
	service         queueReader
	refreshInterval time.Duration
	limit           int

	events        []ports.EventSummary
	selectedIndex int
	status        string
}

type eventsLoadedMsg struct {
	items []ports.EventSummary
	err   error
}

type sweepDoneMsg struct{}

type tickMsg struct{}

func NewModel(ctx context.Context, service queueReader, options Options) tea.Model {
	interval := options.RefreshInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	limit := options.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	return &model{
		ctx:             ctx,
		service:         service,
		refreshInterval: interval,
		limit:           limit,
		status:          "loading",
	}
}

func (m *model) Init() tea.Cmd {
	return tea.Batch(m.loadEventsCmd(), m.tickCmd())
}

func (m *model) Update(message tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := message.(type) {
	case tickMsg:
		return m, tea.Batch(m.loadEventsCmd(), m.tickCmd())
	case eventsLoadedMsg:
		if msg.err != nil {
			m.status = "refresh failed: " + msg.err.Error()
			return m, nil
		}
		m.events = msg.items
		if len(m.events) == 0 {
			m.selectedIndex = 0
			m.status = "queue is empty"
			return m, nil
		}
		if m.selectedIndex >= len(m.events) {
			m.selectedIndex = len(m.events) - 1
		}
		m.status = fmt.Sprintf("refreshed, %d events", len(m.events))
		return m, nil
	case sweepDoneMsg:
		m.status = "sweep completed"
		return m, m.loadEventsCmd()
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "g":
			m.status = "refreshing"
			return m, m.loadEventsCmd()
		case "s":
			m.status = "sweeping queues"
			return m, m.sweepCmd()
		case "up", "k":
			if m.selectedIndex > 0 {
				m.selectedIndex--
			}
			return m, nil
		case "down", "j":
			if m.selectedIndex < len(m.events)-1 {
				m.selectedIndex++
			}
			return m, nil
		}
	}
	return m, nil
}

func (m *model) View() string {
	titleStyle := lipgloss.NewStyle().Bold(true)
	sectionStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	dimStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	selectedStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("229")).Background(lipgloss.Color("62"))

	var builder strings.Builder
	builder.WriteString(titleStyle.Render("Event Relay Console"))
	builder.WriteString("\n")
	builder.WriteString(dimStyle.Render(fmt.Sprintf(
		"limit=%d refresh=%s backends=%s",
		m.limit,
		m.refreshInterval,
		backendHeader(),
	)))
	builder.WriteString("\n\n")

	builder.WriteString(sectionStyle.Render("Queue"))
	builder.WriteString("\n")
	if len(m.events) == 0 {
		builder.WriteString(dimStyle.Render("- no events"))
		builder.WriteString("\n\n")
	} else {
		for index, item := range m.events {
			line := fmt.Sprintf(
				"#%d %s [%s] user=%s %s",
				item.ID,
				item.CreatedAt.Format("01-02 15:04:05"),
				deliveryGlyphs(item.Deliveries),
				firstNonEmpty(item.UserEmail, "-"),
				firstNonEmpty(item.Type, "(identify)"),
			)
			if index == m.selectedIndex {
				builder.WriteString(selectedStyle.Render("> " + line))
			} else {
				builder.WriteString("  " + line)
			}
			builder.WriteString("\n")
		}
		builder.WriteString("\n")
	}

	builder.WriteString(sectionStyle.Render("Detail"))
	builder.WriteString("\n")
	if selected, ok := m.selectedEvent(); ok {
		builder.WriteString(fmt.Sprintf("Event: #%d %s\n", selected.ID, firstNonEmpty(selected.Type, "(identify)")))
		builder.WriteString(fmt.Sprintf("Created: %s\n", selected.CreatedAt.Format(time.RFC3339)))
		builder.WriteString(fmt.Sprintf("User: %s\n", firstNonEmpty(selected.UserEmail, "-")))
		for _, d := range selected.Deliveries {
			builder.WriteString(fmt.Sprintf("- %-10s %s\n", d.Backend, deliveryDetail(d)))
		}
	} else {
		builder.WriteString(dimStyle.Render("- no selection"))
		builder.WriteString("\n")
	}
	builder.WriteString("\n")

	builder.WriteString(sectionStyle.Render("Status"))
	builder.WriteString("\n")
	builder.WriteString("- " + firstNonEmpty(m.status, "ready"))
	builder.WriteString("\n\n")

	builder.WriteString(dimStyle.Render("Keys: ↑/k ↓/j move  g refresh  s sweep  q quit"))
	return builder.String()
}

func (m *model) tickCmd() tea.Cmd {
	return tea.Tick(m.refreshInterval, func(time.Time) tea.Msg {
		return tickMsg{}
	})
}

func (m *model) loadEventsCmd() tea.Cmd {
	return func() tea.Msg {
		items, err := m.service.ListRecentEvents(m.ctx, m.limit)
		if err != nil {
			return eventsLoadedMsg{err: err}
		}
		return eventsLoadedMsg{items: items}
	}
}

func (m *model) sweepCmd() tea.Cmd {
	return func() tea.Msg {
		m.service.ProcessEventQueue(m.ctx, false)
		return sweepDoneMsg{}
	}
}

func (m *model) selectedEvent() (ports.EventSummary, bool) {
	if m.selectedIndex < 0 || m.selectedIndex >= len(m.events) {
		return ports.EventSummary{}, false
	}
	return m.events[m.selectedIndex], true
}

func backendHeader() string {
	names := make([]string, 0, len(event.Backends()))
	for _, b := range event.Backends() {
		names = append(names, b.String())
	}
	return strings.Join(names, ",")
}

// deliveryGlyphs renders one character per backend in dispatch order:
// ✓ delivered, ✗ failed, ● pending, · not requested.
func deliveryGlyphs(deliveries []ports.DeliveryState) string {
	byBackend := make(map[event.Backend]ports.DeliveryState, len(deliveries))
	for _, d := range deliveries {
		byBackend[d.Backend] = d
	}

	var glyphs strings.Builder
	for _, b := range event.Backends() {
		d, ok := byBackend[b]
		switch {
		case !ok || !d.Requested:
			glyphs.WriteString("·")
		case d.ResolvedAt == nil:
			glyphs.WriteString("●")
		case d.Status != nil && *d.Status == "ok":
			glyphs.WriteString("✓")
		default:
			glyphs.WriteString("✗")
		}
	}
	return glyphs.String()
}

func deliveryDetail(d ports.DeliveryState) string {
	switch {
	case !d.Requested:
		return "not requested"
	case d.ResolvedAt == nil:
		return "pending"
	default:
		status := "ok"
		if d.Status != nil {
			status = *d.Status
		}
		return fmt.Sprintf("%s at %s", status, d.ResolvedAt.Format(time.RFC3339))
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
