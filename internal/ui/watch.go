package ui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bnema/wayprotect/internal/protection"
	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Controller is the client side of the protection protocol
type Controller interface {
	Desired(ctx context.Context, t protection.ContentType) error
	Disable(ctx context.Context) error
	Status(ctx context.Context) (protection.Snapshot, error)
	Events() <-chan protection.ContentType
}

const (
	maxLogEntries  = 8
	requestTimeout = 5 * time.Second
)

type keyMap struct {
	Type0   key.Binding
	Type1   key.Binding
	Disable key.Binding
	Status  key.Binding
	Quit    key.Binding
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Type0, k.Type1, k.Disable, k.Status, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{k.ShortHelp()}
}

var watchKeys = keyMap{
	Type0: key.NewBinding(
		key.WithKeys("0"),
		key.WithHelp("0", "type 0"),
	),
	Type1: key.NewBinding(
		key.WithKeys("1"),
		key.WithHelp("1", "type 1"),
	),
	Disable: key.NewBinding(
		key.WithKeys("d"),
		key.WithHelp("d", "disable"),
	),
	Status: key.NewBinding(
		key.WithKeys("s"),
		key.WithHelp("s", "refresh"),
	),
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c", "esc"),
		key.WithHelp("q", "quit"),
	),
}

// Messages produced by the model's commands
type (
	protectionEventMsg protection.ContentType
	eventsClosedMsg    struct{}
	statusMsg          struct {
		snap protection.Snapshot
		err  error
	}
	requestDoneMsg struct {
		action string
		err    error
	}
)

type logEntry struct {
	at   time.Time
	text string
}

// WatchModel shows the live protection state and sends requests
type WatchModel struct {
	ctl    Controller
	target string

	current   protection.ContentType
	snapshot  *protection.Snapshot
	pending   string
	connected bool
	log       []logEntry
	err       error

	spinner spinner.Model
	help    help.Model
	keys    keyMap
	width   int
	now     func() time.Time
}

// NewWatchModel creates the watch view for a connected controller
func NewWatchModel(ctl Controller, target string) *WatchModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = SpinnerStyle

	return &WatchModel{
		ctl:       ctl,
		target:    target,
		current:   protection.Unprotected,
		connected: true,
		spinner:   s,
		help:      help.New(),
		keys:      watchKeys,
		now:       time.Now,
	}
}

func (m *WatchModel) Init() tea.Cmd {
	return tea.Batch(m.waitForEvent, m.fetchStatus, m.spinner.Tick)
}

func (m *WatchModel) waitForEvent() tea.Msg {
	t, ok := <-m.ctl.Events()
	if !ok {
		return eventsClosedMsg{}
	}
	return protectionEventMsg(t)
}

func (m *WatchModel) fetchStatus() tea.Msg {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	snap, err := m.ctl.Status(ctx)
	return statusMsg{snap: snap, err: err}
}

func (m *WatchModel) request(action string, fn func(context.Context) error) tea.Cmd {
	m.pending = action
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		return requestDoneMsg{action: action, err: fn(ctx)}
	}
}

func (m *WatchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.help.Width = msg.Width

	case protectionEventMsg:
		t := protection.ContentType(msg)
		m.current = t
		m.addLog("status changed: " + t.String())
		return m, m.waitForEvent

	case eventsClosedMsg:
		m.connected = false
		m.addLog("connection to server lost")

	case statusMsg:
		if msg.err != nil {
			m.err = msg.err
			m.addLog("status query failed: " + msg.err.Error())
			return m, nil
		}
		snap := msg.snap
		m.snapshot = &snap
		m.err = nil
		if snap.Status == protection.StatusEnabled {
			m.current = snap.RequestedType
		} else {
			m.current = protection.Unprotected
		}

	case requestDoneMsg:
		m.pending = ""
		if msg.err != nil {
			m.err = msg.err
			m.addLog(fmt.Sprintf("%s failed: %v", msg.action, msg.err))
			return m, nil
		}
		m.err = nil
		m.addLog(msg.action + " acknowledged")
		return m, m.fetchStatus

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *WatchModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit
	case !m.connected:
		return m, nil
	case key.Matches(msg, m.keys.Status):
		return m, m.fetchStatus
	case m.pending != "":
		// One request at a time
		return m, nil
	case key.Matches(msg, m.keys.Type0):
		return m, m.request("desired type0", func(ctx context.Context) error {
			return m.ctl.Desired(ctx, protection.Type0)
		})
	case key.Matches(msg, m.keys.Type1):
		return m, m.request("desired type1", func(ctx context.Context) error {
			return m.ctl.Desired(ctx, protection.Type1)
		})
	case key.Matches(msg, m.keys.Disable):
		return m, m.request("disable", m.ctl.Disable)
	}
	return m, nil
}

func (m *WatchModel) addLog(text string) {
	m.log = append(m.log, logEntry{at: m.now(), text: text})
	if len(m.log) > maxLogEntries {
		m.log = m.log[len(m.log)-maxLogEntries:]
	}
}

// Current returns the last protection level reported by the server
func (m *WatchModel) Current() protection.ContentType {
	return m.current
}

func (m *WatchModel) View() string {
	var b strings.Builder

	b.WriteString(TitleStyle.Render("wayprotect"))
	b.WriteString(" ")
	b.WriteString(FormatStatus(m.connected, SubtleStyle.Render(m.target)))
	b.WriteString("\n\n")

	b.WriteString(FormatProtection(m.current))
	if m.pending != "" {
		b.WriteString("  " + m.spinner.View() + " " + SubtleStyle.Render(m.pending+"..."))
	}
	b.WriteString("\n\n")

	if m.snapshot != nil {
		b.WriteString(FormatSnapshot(*m.snapshot))
		b.WriteString("\n\n")
		if m.snapshot.Exhausted {
			b.WriteString(WarningStyle.Render(IconWarning + " retries exhausted, request again to restart"))
			b.WriteString("\n\n")
		}
	}

	if m.err != nil {
		b.WriteString(ErrorStyle.Render(IconError + " " + m.err.Error()))
		b.WriteString("\n\n")
	}

	b.WriteString(SubheaderStyle.Render("Events"))
	b.WriteString("\n")
	if len(m.log) == 0 {
		b.WriteString(MutedStyle.Render("  none yet"))
		b.WriteString("\n")
	}
	for _, entry := range m.log {
		b.WriteString("  " + SubtleStyle.Render(entry.at.Format("15:04:05")) + " " + TextStyle.Render(entry.text))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(m.help.View(m.keys))

	content := b.String()
	if m.width > 0 {
		content = lipgloss.NewStyle().MaxWidth(m.width).Render(content)
	}
	return content
}

// RunWatch runs the watch view until the user quits
func RunWatch(ctl Controller, target string) error {
	p := tea.NewProgram(NewWatchModel(ctl, target))
	_, err := p.Run()
	return err
}
