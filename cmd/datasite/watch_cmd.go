package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/opensyftbox/syftbox/pkg/permission"
	"github.com/opensyftbox/syftbox/pkg/sync"
	"github.com/opensyftbox/syftbox/pkg/workspace"
)

var (
	titleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("14")).Bold(true)
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("242"))
	valueStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	helpStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("242"))
)

func init() {
	rootCmd.AddCommand(newWatchCmd())
}

func newWatchCmd() *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Live dashboard of a datasite's local sync state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadDatasiteConfig(defaultConfigPath)
			if err != nil {
				return fmt.Errorf("watch: load config: %w", err)
			}

			ws := workspace.New(cfg.DataDir)
			if _, err := os.Stat(ws.DatasitesDir); err != nil {
				return fmt.Errorf("watch: %w", err)
			}

			m := newWatchModel(ws, interval)
			_, err = tea.NewProgram(m, tea.WithAltScreen()).Run()
			return err
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "poll interval")
	return cmd
}

type watchTickMsg time.Time

type watchStats struct {
	fileCount   int
	permCount   int
	totalBytes  int64
	lastScanned time.Time
	err         error
}

type watchModel struct {
	ws       *workspace.Workspace
	interval time.Duration
	spin     spinner.Model
	stats    watchStats
}

func newWatchModel(ws *workspace.Workspace, interval time.Duration) watchModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = valueStyle
	return watchModel{ws: ws, interval: interval, spin: s}
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(m.spin.Tick, m.scan(), m.tick())
}

func (m watchModel) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return watchTickMsg(t) })
}

func (m watchModel) scan() tea.Cmd {
	ws := m.ws
	return func() tea.Msg {
		state := sync.NewLocalState(ws.DatasitesDir)
		metas, err := state.Scan()
		if err != nil {
			return watchStats{err: err, lastScanned: time.Now()}
		}

		var total int64
		permCount := 0
		for _, meta := range metas {
			total += meta.Size
			if permission.IsPermissionFile(meta.Path) {
				permCount++
			}
		}

		return watchStats{
			fileCount:   len(metas),
			permCount:   permCount,
			totalBytes:  total,
			lastScanned: time.Now(),
		}
	}
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			return m, tea.Quit
		}
	case watchTickMsg:
		return m, tea.Batch(m.scan(), m.tick())
	case watchStats:
		m.stats = msg
		return m, nil
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m watchModel) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("syftbox datasite watch"))
	b.WriteString("\n\n")
	b.WriteString(fmt.Sprintf("%s %s\n", labelStyle.Render("root       "), valueStyle.Render(m.ws.Root)))

	if m.stats.err != nil {
		b.WriteString(fmt.Sprintf("%s %s\n", labelStyle.Render("error      "), m.stats.err.Error()))
	} else {
		b.WriteString(fmt.Sprintf("%s %s\n", labelStyle.Render("files      "), valueStyle.Render(fmt.Sprintf("%d", m.stats.fileCount))))
		b.WriteString(fmt.Sprintf("%s %s\n", labelStyle.Render("perm files "), valueStyle.Render(fmt.Sprintf("%d", m.stats.permCount))))
		b.WriteString(fmt.Sprintf("%s %s\n", labelStyle.Render("bytes      "), valueStyle.Render(humanize.Bytes(uint64(m.stats.totalBytes)))))
	}

	if !m.stats.lastScanned.IsZero() {
		b.WriteString(fmt.Sprintf("%s %s\n", labelStyle.Render("last scan  "), m.stats.lastScanned.Format(time.TimeOnly)))
	}

	b.WriteString(fmt.Sprintf("\n%s %s\n", m.spin.View(), helpStyle.Render("watching "+filepath.Join(m.ws.DatasitesDir))))
	b.WriteString(helpStyle.Render("\nq to quit"))
	return b.String()
}
