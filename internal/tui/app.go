// Package tui is the live mesh dashboard behind `tiergate watch`.
package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/cortexhub/tiergate/internal/server"
)

// HealthFetcher reads the gateway's health document.
type HealthFetcher interface {
	SystemHealth(ctx context.Context) (*server.SystemHealth, error)
}

type healthMsg struct {
	doc *server.SystemHealth
	err error
	at  time.Time
}

type tickMsg time.Time

// App polls the gateway and renders one row per tier node.
type App struct {
	fetcher  HealthFetcher
	gateway  string
	interval time.Duration

	width, height int
	keys          KeyMap
	help          help.Model
	spinner       spinner.Model

	loading     bool
	showDetails bool
	doc         *server.SystemHealth
	err         error
	lastFetch   time.Time
}

func NewApp(fetcher HealthFetcher, gateway string, interval time.Duration) *App {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(Teal)

	return &App{
		fetcher:  fetcher,
		gateway:  gateway,
		interval: interval,
		keys:     DefaultKeyMap,
		help:     help.New(),
		spinner:  sp,
		loading:  true,
	}
}

func (a *App) Init() tea.Cmd {
	return tea.Batch(a.spinner.Tick, a.fetch())
}

func (a *App) fetch() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		doc, err := a.fetcher.SystemHealth(ctx)
		return healthMsg{doc: doc, err: err, at: time.Now()}
	}
}

func (a *App) scheduleTick() tea.Cmd {
	return tea.Tick(a.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, a.keys.Quit):
			return a, tea.Quit
		case key.Matches(msg, a.keys.Refresh):
			if !a.loading {
				a.loading = true
				return a, a.fetch()
			}
		case key.Matches(msg, a.keys.Details):
			a.showDetails = !a.showDetails
		}
		return a, nil

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.help.Width = msg.Width
		return a, nil

	case healthMsg:
		a.loading = false
		a.lastFetch = msg.at
		a.err = msg.err
		if msg.err == nil {
			a.doc = msg.doc
		}
		return a, a.scheduleTick()

	case tickMsg:
		if a.loading {
			return a, nil
		}
		a.loading = true
		return a, a.fetch()

	case spinner.TickMsg:
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		return a, cmd
	}
	return a, nil
}

func (a *App) View() string {
	width := a.width
	if width == 0 {
		width = 80
	}

	var b strings.Builder
	b.WriteString(a.statusBarView(width))
	b.WriteString("\n")
	b.WriteString(PanelStyle.Width(width - 2).Render(a.nodesView()))
	b.WriteString("\n")
	b.WriteString(a.footerView())
	return b.String()
}

func (a *App) statusBarView(width int) string {
	overall := "unknown"
	counts := "-/-"
	if a.doc != nil {
		overall = a.doc.OverallHealth
		counts = fmt.Sprintf("%d/%d", a.doc.HealthyCount, a.doc.TotalCount)
	}
	text := fmt.Sprintf("tiergate | %s | mesh %s | healthy %s", a.gateway, overall, counts)
	return StatusBarStyle.Width(width).Render(text)
}

func (a *App) nodesView() string {
	if a.doc == nil {
		if a.err != nil {
			return ErrorStyle.Render("gateway unreachable: " + a.err.Error())
		}
		return a.spinner.View() + " contacting gateway..."
	}

	ids := make([]string, 0, len(a.doc.Servers))
	for id := range a.doc.Servers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		ti, tj := a.doc.Servers[ids[i]].Tier, a.doc.Servers[ids[j]].Tier
		if ti != tj {
			return ti < tj
		}
		return ids[i] < ids[j]
	})

	var rows []string
	rows = append(rows, HeaderStyle.Render(fmt.Sprintf("%-10s %-5s %-6s %-9s %s", "NODE", "TIER", "STATE", "LATENCY", "DESCRIPTION")))
	for _, id := range ids {
		n := a.doc.Servers[id]
		state := DownStyle.Render("DOWN")
		if n.Reachable {
			state = UpStyle.Render("UP  ")
		}
		latency := "-"
		if n.CheckedAt != nil {
			latency = fmt.Sprintf("%dms", n.LatencyMS)
		}
		rows = append(rows, fmt.Sprintf("%-10s %-5d %s   %-9s %s", id, n.Tier, state, latency, n.Description))
		if a.showDetails {
			rows = append(rows, DimStyle.Render("  "+detailString(n.Detail)))
		}
	}

	overall := overallStyle(a.doc.OverallHealth).Render(strings.ToUpper(a.doc.OverallHealth))
	rows = append(rows, "", "Mesh: "+overall)
	if a.err != nil {
		rows = append(rows, ErrorStyle.Render("last refresh failed: "+a.err.Error()))
	}
	return strings.Join(rows, "\n")
}

func (a *App) footerView() string {
	status := ""
	if a.loading {
		status = a.spinner.View() + " refreshing "
	} else if !a.lastFetch.IsZero() {
		status = DimStyle.Render("updated " + a.lastFetch.Format("15:04:05") + " ")
	}
	return status + a.help.View(a.keys)
}

func detailString(v any) string {
	switch d := v.(type) {
	case nil:
		return ""
	case string:
		return d
	default:
		data, err := json.Marshal(d)
		if err != nil {
			return fmt.Sprintf("%v", d)
		}
		return string(data)
	}
}

// Run starts the dashboard and blocks until the user quits.
func Run(fetcher HealthFetcher, gateway string, interval time.Duration) error {
	p := tea.NewProgram(NewApp(fetcher, gateway, interval), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
