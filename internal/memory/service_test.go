package memory

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/xiy/memory-engine/internal/config"
	"github.com/xiy/memory-engine/internal/dlq"
	"github.com/xiy/memory-engine/internal/resilience"
	"github.com/xiy/memory-engine/internal/session"
	"github.com/xiy/memory-engine/pkg/types"
)

var fixedNow = time.Date(2026, 4, 2, 15, 30, 0, 0, time.UTC)

type fakeMedium struct {
	written []types.MediumRecord
	err     error
	count   int64
	chars   int64
}

func (f *fakeMedium) Write(_ context.Context, rec types.MediumRecord) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.written = append(f.written, rec)
	return rec.ID, nil
}

func (f *fakeMedium) Stats(context.Context, string) (int64, int64, error) {
	return f.count, f.chars, f.err
}

type fakeDurable struct {
	written []types.DurableRecord
	err     error
	count   int64
	chars   int64
	avg     float64
}

func (f *fakeDurable) Write(_ context.Context, rec types.DurableRecord) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.written = append(f.written, rec)
	return rec.ID, nil
}

func (f *fakeDurable) Stats(context.Context, string) (int64, int64, float64, error) {
	return f.count, f.chars, f.avg, f.err
}

type captured struct {
	eventType string
	payload   []byte
}

type fakeDeferrer struct {
	captured []captured
}

func (f *fakeDeferrer) Capture(_ context.Context, eventType string, payload any, _ error) (string, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	f.captured = append(f.captured, captured{eventType: eventType, payload: b})
	return "evt-1", nil
}

func newTestService(t *testing.T, medium *fakeMedium, durable *fakeDurable, deferrer Deferrer) *Service {
	t.Helper()
	sessions := session.NewStore(time.Hour, 0).WithClock(func() time.Time { return fixedNow })
	svc, err := NewService(sessions, medium, durable, deferrer, config.Default(), log.NewWithOptions(io.Discard, log.Options{}))
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	return svc.WithClock(func() time.Time { return fixedNow })
}

func TestAppendMessage_ValidatesInput(t *testing.T) {
	t.Parallel()
	svc := newTestService(t, &fakeMedium{}, &fakeDurable{}, nil)
	ctx := context.Background()

	cases := []types.MessageInput{
		{UserID: "bad user", SessionID: "s1", Content: "hi"},
		{UserID: "u1", SessionID: " ", Content: "hi"},
		{UserID: "u1", SessionID: "s1", Role: "system", Content: "hi"},
		{UserID: "u1", SessionID: "s1", Content: "  "},
	}
	for _, in := range cases {
		if _, err := svc.AppendMessage(ctx, in); !resilience.IsInvalidInput(err) {
			t.Fatalf("AppendMessage(%+v) error = %v, want invalid input", in, err)
		}
	}

	sess, err := svc.AppendMessage(ctx, types.MessageInput{UserID: "u1", SessionID: "s1", Content: "hello"})
	if err != nil {
		t.Fatalf("AppendMessage() error = %v", err)
	}
	if len(sess.Messages) != 1 || sess.Messages[0].Role != types.RoleUser || !sess.Messages[0].Timestamp.Equal(fixedNow) {
		t.Fatalf("session = %+v", sess)
	}

	sess, err = svc.UpdateSessionContext(ctx, "u1", "s1", map[string]string{"active_project_id": "p9"})
	if err != nil || sess.Context["active_project_id"] != "p9" {
		t.Fatalf("UpdateSessionContext() = %+v, %v", sess.Context, err)
	}
}

func TestWriteMedium_AssignsDefaults(t *testing.T) {
	t.Parallel()
	medium := &fakeMedium{}
	svc := newTestService(t, medium, &fakeDurable{}, nil)

	rec, err := svc.WriteMedium(context.Background(), types.MediumInput{
		UserID:      "u1",
		Kind:        "Decision",
		Content:     types.MediumContent{Decision: &types.Decision{Choice: "postgres"}},
		SessionRefs: []string{"s1", "s2", "s1", ""},
	})
	if err != nil {
		t.Fatalf("WriteMedium() error = %v", err)
	}
	if rec.ID == "" || rec.Kind != types.KindDecision || rec.RelevanceScore != 1.0 {
		t.Fatalf("record = %+v", rec)
	}
	if !rec.ExpiresAt.Equal(fixedNow.Add(7 * 24 * time.Hour)) {
		t.Fatalf("ExpiresAt = %v, want now+7d", rec.ExpiresAt)
	}
	if len(rec.SessionRefs) != 2 || rec.SessionRefs[0] != "s1" || rec.SessionRefs[1] != "s2" {
		t.Fatalf("SessionRefs = %v, want [s1 s2]", rec.SessionRefs)
	}
	if len(medium.written) != 1 || medium.written[0].ID != rec.ID {
		t.Fatalf("written = %+v", medium.written)
	}

	short, err := svc.WriteMedium(context.Background(), types.MediumInput{
		UserID:     "u1",
		Kind:       "action",
		Content:    types.MediumContent{Action: &types.Action{Description: "call back"}},
		TTLSeconds: 60,
	})
	if err != nil || !short.ExpiresAt.Equal(fixedNow.Add(time.Minute)) {
		t.Fatalf("WriteMedium(ttl=60) = %+v, %v", short, err)
	}

	if _, err := svc.WriteMedium(context.Background(), types.MediumInput{
		UserID:  "u1",
		Kind:    "action",
		Content: types.MediumContent{Summary: &types.ConversationSummary{Text: "wrong payload"}},
	}); !resilience.IsInvalidInput(err) {
		t.Fatalf("mismatched payload error = %v, want invalid input", err)
	}
}

func TestWriteMedium_TransientFailureIsDeferred(t *testing.T) {
	t.Parallel()
	medium := &fakeMedium{err: resilience.Unavailable("medium.write", errors.New("disk full"))}
	deferrer := &fakeDeferrer{}
	svc := newTestService(t, medium, &fakeDurable{}, deferrer)

	rec, err := svc.WriteMedium(context.Background(), types.MediumInput{
		UserID:  "u1",
		Kind:    "conversation-summary",
		Content: types.MediumContent{Summary: &types.ConversationSummary{Text: "recap"}},
	})
	if !errors.Is(err, ErrDeferred) {
		t.Fatalf("WriteMedium() error = %v, want ErrDeferred", err)
	}
	if rec.ID == "" {
		t.Fatal("deferred write returned no record id")
	}
	if len(deferrer.captured) != 1 || deferrer.captured[0].eventType != dlq.EventWriteMedium {
		t.Fatalf("captured = %+v", deferrer.captured)
	}

	// The captured payload replays into the same record.
	healthy := &fakeMedium{}
	if err := WriteMediumHandler(healthy)(context.Background(), deferrer.captured[0].payload); err != nil {
		t.Fatalf("WriteMediumHandler() error = %v", err)
	}
	if len(healthy.written) != 1 || healthy.written[0].ID != rec.ID || healthy.written[0].Content.Text() != "recap" {
		t.Fatalf("replayed = %+v", healthy.written)
	}
}

func TestWriteMedium_WithoutDeferrerReturnsError(t *testing.T) {
	t.Parallel()
	medium := &fakeMedium{err: resilience.Unavailable("medium.write", errors.New("disk full"))}
	svc := newTestService(t, medium, &fakeDurable{}, nil)

	_, err := svc.WriteMedium(context.Background(), types.MediumInput{
		UserID:  "u1",
		Kind:    "conversation-summary",
		Content: types.MediumContent{Summary: &types.ConversationSummary{Text: "recap"}},
	})
	if err == nil || errors.Is(err, ErrDeferred) {
		t.Fatalf("WriteMedium() error = %v, want plain failure", err)
	}
}

func TestWriteDurable_ImportanceDefaultsAndDeferral(t *testing.T) {
	t.Parallel()
	durable := &fakeDurable{}
	deferrer := &fakeDeferrer{}
	svc := newTestService(t, &fakeMedium{}, durable, deferrer)
	ctx := context.Background()

	pref := types.DurableContent{Preference: &types.Preference{Subject: "editor", Value: "helix"}}
	rec, err := svc.WriteDurable(ctx, types.DurableInput{UserID: "u1", Kind: "preference", Content: pref})
	if err != nil || rec.ImportanceScore != defaultImportance {
		t.Fatalf("WriteDurable() = %+v, %v", rec, err)
	}
	rec, err = svc.WriteDurable(ctx, types.DurableInput{UserID: "u1", Kind: "preference", Content: pref, ImportanceScore: 7})
	if err != nil || rec.ImportanceScore != 1 {
		t.Fatalf("WriteDurable(importance=7) = %+v, %v", rec, err)
	}

	durable.err = resilience.Timeout("durable.write", context.DeadlineExceeded)
	_, err = svc.WriteDurable(ctx, types.DurableInput{UserID: "u1", Kind: "preference", Content: pref})
	if !errors.Is(err, ErrDeferred) || len(deferrer.captured) != 1 || deferrer.captured[0].eventType != dlq.EventWriteDurable {
		t.Fatalf("WriteDurable() error = %v, captured = %+v", err, deferrer.captured)
	}

	durable.err = resilience.InvalidInput("durable.write", errors.New("bad"))
	_, err = svc.WriteDurable(ctx, types.DurableInput{UserID: "u1", Kind: "preference", Content: pref})
	if !resilience.IsInvalidInput(err) || len(deferrer.captured) != 1 {
		t.Fatalf("invalid input was deferred: %v", err)
	}
}

func TestGetStats_CombinesTiers(t *testing.T) {
	t.Parallel()
	svc := newTestService(t,
		&fakeMedium{count: 2, chars: 10},
		&fakeDurable{count: 3, chars: 7, avg: 0.6},
		nil,
	)
	stats, err := svc.GetStats(context.Background(), "u1")
	if err != nil {
		t.Fatalf("GetStats() error = %v", err)
	}
	want := types.Stats{UserID: "u1", MediumCount: 2, DurableCount: 3, TotalTokensEstimate: 5, AvgImportance: 0.6}
	if stats != want {
		t.Fatalf("GetStats() = %+v, want %+v", stats, want)
	}

	if _, err := svc.GetStats(context.Background(), ""); !resilience.IsInvalidInput(err) {
		t.Fatalf("GetStats(\"\") error = %v, want invalid input", err)
	}
}
