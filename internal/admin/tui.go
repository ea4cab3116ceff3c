// Package admin is a terminal dashboard over the engine's persistent tiers
// and failure queue.
package admin

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/xiy/memory-engine/internal/store"
	"github.com/xiy/memory-engine/pkg/types"
)

// DashboardStore is the read surface the dashboard polls.
type DashboardStore interface {
	Overview(ctx context.Context, now time.Time) (store.Overview, error)
	RecentReplays(ctx context.Context, limit int) ([]types.ReplayEntry, error)
	RecentRecords(ctx context.Context, limit int) ([]store.RecentRecord, error)
}

// Options tune polling.
type Options struct {
	Interval time.Duration
	Rows     int
}

const (
	defaultInterval = 2 * time.Second
	defaultRows     = 8
	activityLines   = 10
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	hintStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	badStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	paneStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

type pollMsg time.Time

// snapshot is one poll result. A failed stage keeps what earlier stages read.
type snapshot struct {
	overview store.Overview
	replays  []types.ReplayEntry
	records  []store.RecentRecord
	took     time.Duration
	err      error
}

type model struct {
	ctx  context.Context
	st   DashboardStore
	opts Options

	snap     snapshot
	polledAt time.Time
	paused   bool
	activity []string

	width, height int
}

func newModel(ctx context.Context, st DashboardStore, opts Options) model {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.Rows <= 0 {
		opts.Rows = defaultRows
	}
	m := model{ctx: ctx, st: st, opts: opts}
	return m.note("dashboard opened")
}

// Run starts the dashboard and blocks until the user quits.
func Run(ctx context.Context, st DashboardStore, opts Options) error {
	p := tea.NewProgram(newModel(ctx, st, opts), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	return err
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.poll(), m.schedule())
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		case "p":
			m.paused = !m.paused
			if m.paused {
				return m.note("polling paused"), nil
			}
			return m.note("polling resumed"), m.poll()
		case "r":
			return m.note("manual refresh"), m.poll()
		}
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
	case pollMsg:
		m.polledAt = time.Time(msg)
		if m.paused {
			return m, m.schedule()
		}
		return m, tea.Batch(m.poll(), m.schedule())
	case snapshot:
		m = m.apply(msg)
	}
	return m, nil
}

// apply keeps the previous panes for whatever stage of the poll failed.
func (m model) apply(s snapshot) model {
	prev := m.snap
	m.snap = s
	if s.err == nil {
		return m.note(fmt.Sprintf("refresh ok medium=%d durable=%d open=%d in %s",
			s.overview.MediumLive, s.overview.Durable, s.overview.FailuresOpen, s.took.Round(time.Millisecond)))
	}
	if s.replays == nil {
		m.snap.replays = prev.replays
	}
	if s.records == nil {
		m.snap.records = prev.records
	}
	return m.note("refresh failed: " + oneLine(s.err.Error(), 80))
}

func (m model) poll() tea.Cmd {
	ctx, st, rows := m.ctx, m.st, m.opts.Rows
	return func() tea.Msg {
		start := time.Now()
		var s snapshot
		s.overview, s.err = st.Overview(ctx, start.UTC())
		if s.err == nil {
			s.replays, s.err = st.RecentReplays(ctx, rows)
		}
		if s.err == nil {
			s.records, s.err = st.RecentRecords(ctx, rows)
		}
		s.took = time.Since(start)
		return s
	}
}

func (m model) schedule() tea.Cmd {
	return tea.Tick(m.opts.Interval, func(t time.Time) tea.Msg { return pollMsg(t) })
}

func (m model) note(line string) model {
	m.activity = append(m.activity, time.Now().UTC().Format("15:04:05")+" "+line)
	if over := len(m.activity) - activityLines; over > 0 {
		m.activity = m.activity[over:]
	}
	return m
}

func (m model) View() string {
	w, h := 54, 10
	if m.width > 0 {
		w = max(38, (m.width-2)/2)
	}
	if m.height > 0 {
		h = max(8, (m.height-6)/2)
	}

	state := fmt.Sprintf("every %s", m.opts.Interval)
	if m.paused {
		state = warnStyle.Render("paused")
	}
	header := titleStyle.Render("memory-engine admin") + "  " +
		hintStyle.Render(state+" · p pause · r refresh · q quit")

	activity := "(quiet)"
	if len(m.activity) > 0 {
		activity = strings.Join(m.activity, "\n")
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		lipgloss.JoinHorizontal(lipgloss.Top,
			pane("Tiers", m.tiers(), w, h),
			pane("Activity", activity, w, h),
		),
		lipgloss.JoinHorizontal(lipgloss.Top,
			pane("Failure Replays", replayRows(m.snap.replays), w, h),
			pane("Recent Records", recordRows(m.snap.records), w, h),
		),
	)
}

func (m model) tiers() string {
	o := m.snap.overview
	rows := [][2]string{
		{"Medium", fmt.Sprintf("%d live, %d expired", o.MediumLive, o.MediumExpired)},
		{"Durable", fmt.Sprintf("%d (%d promoted)", o.Durable, o.Promoted)},
		{"Queue", queueState(o)},
		{"Polled", clock(m.polledAt)},
	}
	var b strings.Builder
	for _, r := range rows {
		fmt.Fprintf(&b, "%-9s %s\n", r[0], r[1])
	}
	if m.snap.err != nil {
		b.WriteString("\n" + badStyle.Render(oneLine(m.snap.err.Error(), 120)))
	}
	return strings.TrimRight(b.String(), "\n")
}

func queueState(o store.Overview) string {
	switch {
	case o.FailuresFailed > 0:
		return badStyle.Render(fmt.Sprintf("%d open, %d failed", o.FailuresOpen, o.FailuresFailed))
	case o.FailuresOpen > 0:
		return warnStyle.Render(fmt.Sprintf("%d open", o.FailuresOpen))
	default:
		return okStyle.Render("empty")
	}
}

func pane(title, body string, w, h int) string {
	return paneStyle.Width(w).Height(h).Render(titleStyle.Render(title) + "\n" + body)
}

func replayRows(rows []types.ReplayEntry) string {
	if len(rows) == 0 {
		return "(no replays yet)"
	}
	out := make([]string, len(rows))
	for i, r := range rows {
		result := okStyle.Render("ok ")
		if !r.Success {
			result = badStyle.Render("err")
		}
		line := fmt.Sprintf("%s %s try %d %s", clock(r.CreatedAt), result, r.Attempt, truncateText(r.EventType, 22))
		if !r.Success && r.ErrorText != "" {
			line += " " + oneLine(r.ErrorText, 40)
		}
		out[i] = line
	}
	return strings.Join(out, "\n")
}

func recordRows(rows []store.RecentRecord) string {
	if len(rows) == 0 {
		return "(no records yet)"
	}
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = fmt.Sprintf("%s %-7s %.2f %-10s %s",
			clock(r.CreatedAt), r.Tier, r.Score, truncateText(r.Kind, 10), truncateText(r.UserID, 18))
	}
	return strings.Join(out, "\n")
}

func clock(t time.Time) string {
	if t.IsZero() {
		return "--:--:--"
	}
	return t.UTC().Format("15:04:05")
}

// oneLine collapses whitespace and truncates.
func oneLine(s string, limit int) string {
	return truncateText(strings.Join(strings.Fields(s), " "), limit)
}

func truncateText(s string, limit int) string {
	r := []rune(strings.TrimSpace(s))
	switch {
	case len(r) <= limit:
		return string(r)
	case limit <= 3:
		return string(r[:limit])
	default:
		return string(r[:limit-3]) + "..."
	}
}
