package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Config
const (
	defaultURL     = "http://localhost:8090"
	pollRate       = 2 * time.Second
	viewportHeight = 20
)

// Styles
var (
	subtleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))

	// Layout styles
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Bold(true).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			Width(100)

	paneStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("63")).
			Padding(0, 1).
			Width(100)

	// Event styles
	eventTimeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Width(20)
	eventTypeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true)
	principalStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("99"))
	secretStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	resourceStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
)

// API Types (mirrored from pkg/resource and pkg/graph to avoid CGO deps)

type IDPart struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type Resource struct {
	ID           []IDPart   `json:"id"`
	Environments []string   `json:"environments,omitempty"`
	FirstSeenAt  *time.Time `json:"first_seen_at,omitempty"`
	LastSeenAt   *time.Time `json:"last_seen_at,omitempty"`
}

type Event struct {
	Principal  []IDPart  `json:"principal"`
	Type       string    `json:"type"`
	Resource   []IDPart  `json:"resource"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

type Snapshot struct {
	Resources []Resource `json:"resources"`
	Events    []Event    `json:"events,omitempty"`
}

func pathString(id []IDPart) string {
	parts := make([]string, len(id))
	for i, p := range id {
		parts[i] = fmt.Sprintf("%s:%s", p.Type, p.ID)
	}
	return strings.Join(parts, " / ")
}

type tickMsg time.Time

type dataMsg struct {
	snapshot Snapshot
	err      error
}

type model struct {
	spinner  spinner.Model
	viewport viewport.Model
	snapshot Snapshot
	err      error
	ready    bool
}

func initialModel() model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	return model{
		spinner: s,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		fetchData(),
		tick(),
	)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		cmd  tea.Cmd
		cmds []tea.Cmd
	)

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		// Pass key messages to viewport
		m.viewport, cmd = m.viewport.Update(msg)
		cmds = append(cmds, cmd)
		return m, tea.Batch(cmds...)

	case spinner.TickMsg:
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case tickMsg:
		cmds = append(cmds, fetchData(), tick())

	case dataMsg:
		if msg.err != nil {
			m.err = msg.err
		} else {
			m.err = nil
			m.snapshot = msg.snapshot
			m.updateViewportContent()
		}

		if !m.ready {
			m.ready = true
		}

	case tea.WindowSizeMsg:
		if !m.ready {
			m.viewport = viewport.New(msg.Width, viewportHeight)
			m.viewport.Style = lipgloss.NewStyle().
				BorderStyle(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("62")).
				PaddingRight(2)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = viewportHeight
		}
	}

	return m, tea.Batch(cmds...)
}

func (m *model) updateViewportContent() {
	var sb strings.Builder

	// Newest activity first
	events := make([]Event, len(m.snapshot.Events))
	copy(events, m.snapshot.Events)
	sort.Slice(events, func(i, j int) bool {
		return events[i].LastSeenAt.After(events[j].LastSeenAt)
	})

	for _, e := range events {
		ts := e.LastSeenAt.Format("15:04:05")

		target := pathString(e.Resource)
		if len(e.Resource) > 0 && e.Resource[0].Type == "Secret" {
			target = secretStyle.Render(target)
		} else {
			target = resourceStyle.Render(target)
		}

		// Format: [TIMESTAMP] [PRINCIPAL] [TYPE] [RESOURCE]
		line := fmt.Sprintf("%s %s %s %s\n",
			eventTimeStyle.Render(ts),
			principalStyle.Render(pathString(e.Principal)),
			eventTypeStyle.Render(e.Type),
			target,
		)
		sb.WriteString(line)
	}

	m.viewport.SetContent(sb.String())
}

func (m model) View() string {
	if !m.ready {
		return fmt.Sprintf("\n%s Initializing...", m.spinner.View())
	}

	// Top Pane: Resources
	var resourceList strings.Builder
	resourceList.WriteString(lipgloss.NewStyle().Bold(true).Underline(true).Render("Resources") + "\n\n")

	if len(m.snapshot.Resources) == 0 {
		resourceList.WriteString(subtleStyle.Render("No resources observed."))
	} else {
		shown := m.snapshot.Resources
		if len(shown) > 10 {
			shown = shown[:10]
		}
		for _, res := range shown {
			line := fmt.Sprintf("• %s", pathString(res.ID))
			if len(res.Environments) > 0 {
				line += subtleStyle.Render(fmt.Sprintf(" [%s]", strings.Join(res.Environments, ", ")))
			}
			resourceList.WriteString(line + "\n")
		}
		if len(m.snapshot.Resources) > len(shown) {
			resourceList.WriteString(subtleStyle.Render(fmt.Sprintf("… and %d more", len(m.snapshot.Resources)-len(shown))))
		}
	}

	topPane := paneStyle.Render(resourceList.String())

	// Bottom Pane: Access Events
	header := headerStyle.Render(fmt.Sprintf("%s Access Events", m.spinner.View()))
	bottomPane := m.viewport.View()

	// Status Footer
	var status string
	if m.err != nil {
		status = errorStyle.Render(fmt.Sprintf("Offline: %v", m.err))
	} else {
		status = okStyle.Render(fmt.Sprintf("Online • %d Resources • %d Events", len(m.snapshot.Resources), len(m.snapshot.Events)))
	}
	footer := subtleStyle.Render(fmt.Sprintf("\n%s\nPress q to quit", status))

	return lipgloss.JoinVertical(lipgloss.Left, topPane, header, bottomPane, footer)
}

// Commands

func fetchData() tea.Cmd {
	return func() tea.Msg {
		snap, err := getSnapshot()
		if err != nil {
			return dataMsg{err: err}
		}
		return dataMsg{snapshot: snap}
	}
}

func baseURL() string {
	if url := os.Getenv("ARCHODEX_URL"); url != "" {
		return url
	}
	return defaultURL
}

func getSnapshot() (Snapshot, error) {
	c := &http.Client{Timeout: 2 * time.Second}
	req, err := http.NewRequest(http.MethodGet, baseURL()+"/v1/query/all", nil)
	if err != nil {
		return Snapshot{}, err
	}
	if token := os.Getenv("ARCHODEX_ADMIN_TOKEN"); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.Do(req)
	if err != nil {
		return Snapshot{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Snapshot{}, fmt.Errorf("snapshot status %d", resp.StatusCode)
	}

	var snap Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

func tick() tea.Cmd {
	return tea.Tick(pollRate, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func main() {
	p := tea.NewProgram(initialModel(), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Printf("Alas, there's been an error: %v", err)
		os.Exit(1)
	}
}
