package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	cliconfig "github.com/ttycast/ttycast/internal/cli/config"
	"github.com/ttycast/ttycast/internal/client"
	"github.com/ttycast/ttycast/internal/clientbridge"
	"github.com/ttycast/ttycast/internal/logstream"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Padding(0, 1).Background(lipgloss.Color("62")).Foreground(lipgloss.Color("230"))
	statusStyle = lipgloss.NewStyle().Faint(true).Padding(0, 1)
)

type sessionItem struct {
	info logstream.SessionInfo
}

func (i sessionItem) Title() string { return i.info.SessionID }

func (i sessionItem) Description() string {
	if i.info.LastActivity <= 0 {
		return "no records yet"
	}
	return fmt.Sprintf("%d records · last activity %s",
		i.info.LastSeq,
		time.UnixMilli(i.info.LastActivity).Format(time.RFC3339),
	)
}

func (i sessionItem) FilterValue() string { return i.info.SessionID }

type sessionsMsg struct {
	infos []logstream.SessionInfo
}

type errMsg struct {
	err error
}

type pickerModel struct {
	logs    *logstream.JetStream
	timeout time.Duration

	list   list.Model
	status string
	choice string
}

func (m pickerModel) Init() tea.Cmd {
	return tea.Batch(m.loadCmd(), tea.EnterAltScreen)
}

func (m pickerModel) loadCmd() tea.Cmd {
	logs := m.logs
	timeout := m.timeout
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		infos, err := logs.Sessions(ctx)
		if err != nil {
			return errMsg{err: err}
		}
		return sessionsMsg{infos: infos}
	}
}

func (m pickerModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch t := msg.(type) {
	case tea.WindowSizeMsg:
		h := t.Height - 1
		if h < 1 {
			h = 1
		}
		m.list.SetSize(t.Width, h)
		return m, nil
	case tea.KeyMsg:
		// While the filter input is open, keys belong to it.
		if m.list.FilterState() != list.Filtering {
			switch t.String() {
			case "ctrl+c", "q":
				return m, tea.Quit
			case "r":
				m.status = "refreshing..."
				return m, m.loadCmd()
			case "enter":
				if it, ok := m.list.SelectedItem().(sessionItem); ok {
					m.choice = it.info.SessionID
					return m, tea.Quit
				}
				return m, nil
			}
		}
	case sessionsMsg:
		items := make([]list.Item, 0, len(t.infos))
		for _, info := range t.infos {
			items = append(items, sessionItem{info: info})
		}
		m.list.SetItems(items)
		m.status = fmt.Sprintf("%d sessions", len(items))
		return m, nil
	case errMsg:
		m.status = "error: " + t.err.Error()
		return m, nil
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

func (m pickerModel) View() string {
	return m.list.View() + "\n" + statusStyle.Render(m.status+"  ·  enter attach · r refresh · q quit")
}

func main() {
	var configPath string
	var contextName string
	var url string
	var basin string
	var since time.Duration
	var speedup float64

	flag.Usage = func() {
		out := flag.CommandLine.Output()
		fmt.Fprintf(out, "Usage:\n  %s [flags]\n\nPick a session and attach to it. Flags:\n", os.Args[0])
		flag.PrintDefaults()
	}
	defaultConfig := os.Getenv("TTYCAST_CONFIG")
	if defaultConfig == "" {
		defaultConfig = cliconfig.DefaultConfigPath()
	}
	flag.StringVar(&configPath, "config", defaultConfig, "path to ttycast config file")
	flag.StringVar(&contextName, "context", "", "context name within the config")
	flag.StringVar(&url, "url", "", "broker URL (overrides config)")
	flag.StringVar(&basin, "basin", "", "stream namespace prefix (overrides config)")
	flag.DurationVar(&since, "since", 0, "replay output recorded this far back before going live")
	flag.Float64Var(&speedup, "speedup", 1, "replay acceleration factor")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	conn, err := client.ResolveConnection(configPath, contextName, url, basin, 0)
	if err != nil {
		fmt.Fprintln(os.Stderr, "resolve:", err)
		os.Exit(1)
	}
	logs, err := conn.Dial(logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "connect:", err)
		os.Exit(1)
	}
	defer logs.Close()

	l := list.New([]list.Item{}, list.NewDefaultDelegate(), 0, 0)
	l.Title = "ttycast sessions"
	l.Styles.Title = titleStyle
	l.SetShowStatusBar(false)

	m := pickerModel{
		logs:    logs,
		timeout: conn.Timeout,
		list:    l,
		status:  "loading...",
	}
	p := tea.NewProgram(m, tea.WithAltScreen())
	out, err := p.Run()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	final, ok := out.(pickerModel)
	if !ok || final.choice == "" {
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	var sinceMs int64
	if since > 0 {
		sinceMs = time.Now().Add(-since).UnixMilli()
	}
	if err := clientbridge.Attach(ctx, clientbridge.Config{
		Logs:      logs,
		SessionID: final.choice,
		Since:     sinceMs,
		Speedup:   speedup,
		Logger:    logger,
	}); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
