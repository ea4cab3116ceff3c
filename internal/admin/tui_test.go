package admin

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/xiy/memory-engine/internal/store"
	"github.com/xiy/memory-engine/pkg/types"
)

type fakeDashboard struct {
	replayErr error
}

func (fakeDashboard) Overview(context.Context, time.Time) (store.Overview, error) {
	return store.Overview{MediumLive: 3, MediumExpired: 1, Durable: 7, Promoted: 2, FailuresOpen: 1}, nil
}

func (f fakeDashboard) RecentReplays(context.Context, int) ([]types.ReplayEntry, error) {
	if f.replayErr != nil {
		return nil, f.replayErr
	}
	return []types.ReplayEntry{{EventID: "e1", EventType: "memory.promote", Attempt: 2, ErrorText: "database is locked"}}, nil
}

func (fakeDashboard) RecentRecords(context.Context, int) ([]store.RecentRecord, error) {
	return []store.RecentRecord{{Tier: string(types.TierMedium), ID: "m1", UserID: "u1", Kind: "decision", Score: 0.9}}, nil
}

func TestDashboard_RefreshRendersPanes(t *testing.T) {
	t.Parallel()
	m := newModel(context.Background(), fakeDashboard{}, Options{Rows: 5})

	next, _ := m.Update(m.poll()())
	view := next.(model).View()

	for _, want := range []string{"Durable", "memory.promote", "locked", "decision", "medium=3"} {
		if !strings.Contains(view, want) {
			t.Fatalf("view missing %q:\n%s", want, view)
		}
	}
}

func TestDashboard_RefreshErrorKeepsOverview(t *testing.T) {
	t.Parallel()
	st := fakeDashboard{replayErr: errors.New("no such table: replay_log")}
	m := newModel(context.Background(), st, Options{})

	msg := m.poll()().(snapshot)
	if msg.err == nil || msg.overview.Durable != 7 {
		t.Fatalf("snapshot = %+v", msg)
	}
	next, _ := m.Update(msg)
	got := next.(model)
	if got.snap.err == nil || !strings.Contains(got.View(), "replay_log") {
		t.Fatalf("error not rendered:\n%s", got.View())
	}
}

func TestDashboard_PauseSkipsPolling(t *testing.T) {
	t.Parallel()
	m := newModel(context.Background(), fakeDashboard{}, Options{Interval: time.Millisecond})

	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("p")})
	paused := next.(model)
	if !paused.paused || !strings.Contains(paused.View(), "paused") {
		t.Fatalf("pause not shown:\n%s", paused.View())
	}

	at := time.Date(2026, 5, 20, 9, 0, 0, 0, time.UTC)
	next, cmd := paused.Update(pollMsg(at))
	if !next.(model).polledAt.Equal(at) {
		t.Fatalf("polledAt = %v", next.(model).polledAt)
	}
	// Paused: only the next tick is scheduled, no fetch is batched with it.
	if _, ok := cmd().(pollMsg); !ok {
		t.Fatal("paused dashboard scheduled more than the next tick")
	}
}
