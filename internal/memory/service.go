// Package memory is the write-side API over the three tiers plus per-user stats.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/oklog/ulid/v2"

	"github.com/xiy/memory-engine/internal/accessor"
	"github.com/xiy/memory-engine/internal/config"
	"github.com/xiy/memory-engine/internal/dlq"
	"github.com/xiy/memory-engine/internal/resilience"
	"github.com/xiy/memory-engine/pkg/types"
)

// ErrDeferred is returned with the assigned record when a write could not be
// applied now and was queued for replay.
var ErrDeferred = errors.New("write deferred to failure queue")

const defaultImportance = 0.5

// Sessions is the short-lived tier surface used by the service.
type Sessions interface {
	Append(ctx context.Context, userID, sessionID string, msg types.Message) (types.Session, error)
	UpdateContext(ctx context.Context, userID, sessionID string, values map[string]string) (types.Session, error)
}

// MediumTier is the medium-lived tier surface used by the service.
type MediumTier interface {
	Write(ctx context.Context, rec types.MediumRecord) (string, error)
	Stats(ctx context.Context, userID string) (count, chars int64, err error)
}

// DurableTier is the durable tier surface used by the service.
type DurableTier interface {
	Write(ctx context.Context, rec types.DurableRecord) (string, error)
	Stats(ctx context.Context, userID string) (count, chars int64, avgImportance float64, err error)
}

// Deferrer captures writes for later replay.
type Deferrer interface {
	Capture(ctx context.Context, eventType string, payload any, cause error) (string, error)
}

// Service coordinates validation, id assignment and deferral of writes.
type Service struct {
	sessions Sessions
	medium   MediumTier
	durable  DurableTier
	deferrer Deferrer
	cfg      config.Config
	userExpr *regexp.Regexp
	now      func() time.Time
	logger   *log.Logger
}

// NewService constructs a memory service. deferrer may be nil, in which case
// failed writes are returned to the caller as errors.
func NewService(sessions Sessions, medium MediumTier, durable DurableTier, deferrer Deferrer, cfg config.Config, logger *log.Logger) (*Service, error) {
	re, err := regexp.Compile(cfg.UserIDPattern)
	if err != nil {
		return nil, fmt.Errorf("compile user id pattern: %w", err)
	}
	return &Service{
		sessions: sessions,
		medium:   medium,
		durable:  durable,
		deferrer: deferrer,
		cfg:      cfg,
		userExpr: re,
		now:      time.Now,
		logger:   logger,
	}, nil
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// AppendMessage adds one turn to a session, creating it on first use.
func (s *Service) AppendMessage(ctx context.Context, in types.MessageInput) (types.Session, error) {
	const op = "memory.append_message"
	if err := s.validateUser(op, in.UserID); err != nil {
		return types.Session{}, err
	}
	if strings.TrimSpace(in.SessionID) == "" {
		return types.Session{}, resilience.InvalidInput(op, errors.New("session_id is required"))
	}
	role := types.Role(strings.TrimSpace(strings.ToLower(in.Role)))
	if role == "" {
		role = types.RoleUser
	}
	if role != types.RoleUser && role != types.RoleAssistant {
		return types.Session{}, resilience.InvalidInput(op, fmt.Errorf("invalid role %q", in.Role))
	}
	if strings.TrimSpace(in.Content) == "" {
		return types.Session{}, resilience.InvalidInput(op, errors.New("content must not be empty"))
	}
	return s.sessions.Append(ctx, in.UserID, in.SessionID, types.Message{
		Role:      role,
		Content:   in.Content,
		Timestamp: s.now().UTC(),
	})
}

// UpdateSessionContext merges values into a live session's context map.
func (s *Service) UpdateSessionContext(ctx context.Context, userID, sessionID string, values map[string]string) (types.Session, error) {
	const op = "memory.update_session_context"
	if err := s.validateUser(op, userID); err != nil {
		return types.Session{}, err
	}
	if strings.TrimSpace(sessionID) == "" {
		return types.Session{}, resilience.InvalidInput(op, errors.New("session_id is required"))
	}
	return s.sessions.UpdateContext(ctx, userID, sessionID, values)
}

// WriteMedium validates and stores a medium-lived record. New records start
// fully relevant.
func (s *Service) WriteMedium(ctx context.Context, in types.MediumInput) (types.MediumRecord, error) {
	const op = "memory.write_medium"
	if err := s.validateUser(op, in.UserID); err != nil {
		return types.MediumRecord{}, err
	}
	kind, err := types.ParseMediumKind(in.Kind)
	if err != nil {
		return types.MediumRecord{}, resilience.InvalidInput(op, err)
	}
	if err := in.Content.Validate(kind); err != nil {
		return types.MediumRecord{}, resilience.InvalidInput(op, err)
	}

	ttl := s.cfg.Medium.DefaultTTL
	if in.TTLSeconds > 0 {
		ttl = time.Duration(in.TTLSeconds) * time.Second
	}
	now := s.now().UTC()
	rec := types.MediumRecord{
		ID:             ulid.Make().String(),
		UserID:         in.UserID,
		Kind:           kind,
		Content:        in.Content,
		Metadata:       maps.Clone(in.Metadata),
		SessionRefs:    dedupe(in.SessionRefs),
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
		RelevanceScore: 1.0,
	}

	if _, err := s.medium.Write(ctx, rec); err != nil {
		return rec, s.deferWrite(ctx, op, dlq.EventWriteMedium, rec.ID, rec, err)
	}
	return rec, nil
}

// WriteDurable validates and stores a durable record.
func (s *Service) WriteDurable(ctx context.Context, in types.DurableInput) (types.DurableRecord, error) {
	const op = "memory.write_durable"
	if err := s.validateUser(op, in.UserID); err != nil {
		return types.DurableRecord{}, err
	}
	kind, err := types.ParseDurableKind(in.Kind)
	if err != nil {
		return types.DurableRecord{}, resilience.InvalidInput(op, err)
	}
	if err := in.Content.Validate(kind); err != nil {
		return types.DurableRecord{}, resilience.InvalidInput(op, err)
	}

	importance := in.ImportanceScore
	switch {
	case importance <= 0:
		importance = defaultImportance
	case importance > 1:
		importance = 1
	}
	now := s.now().UTC()
	rec := types.DurableRecord{
		ID:              ulid.Make().String(),
		UserID:          in.UserID,
		Kind:            kind,
		Content:         in.Content,
		Metadata:        maps.Clone(in.Metadata),
		CreatedAt:       now,
		LastAccessedAt:  now,
		ImportanceScore: importance,
	}

	if _, err := s.durable.Write(ctx, rec); err != nil {
		return rec, s.deferWrite(ctx, op, dlq.EventWriteDurable, rec.ID, rec, err)
	}
	return rec, nil
}

// GetStats summarizes a user's medium and durable records. The token figure
// is ceil(stored characters / 4).
func (s *Service) GetStats(ctx context.Context, userID string) (types.Stats, error) {
	if err := s.validateUser("memory.get_stats", userID); err != nil {
		return types.Stats{}, err
	}
	mCount, mChars, err := s.medium.Stats(ctx, userID)
	if err != nil {
		return types.Stats{}, fmt.Errorf("medium stats: %w", err)
	}
	dCount, dChars, avg, err := s.durable.Stats(ctx, userID)
	if err != nil {
		return types.Stats{}, fmt.Errorf("durable stats: %w", err)
	}
	return types.Stats{
		UserID:              userID,
		MediumCount:         mCount,
		DurableCount:        dCount,
		TotalTokensEstimate: (mChars + dChars + 3) / 4,
		AvgImportance:       avg,
	}, nil
}

func (s *Service) deferWrite(ctx context.Context, op, eventType, id string, payload any, cause error) error {
	if resilience.IsInvalidInput(cause) || s.deferrer == nil {
		return cause
	}
	if _, err := s.deferrer.Capture(ctx, eventType, payload, cause); err != nil {
		return errors.Join(cause, err)
	}
	s.logger.Warn("write deferred", "op", op, "record_id", id, "error", cause)
	return fmt.Errorf("%w: %w", ErrDeferred, cause)
}

func (s *Service) validateUser(op, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return resilience.InvalidInput(op, errors.New("user_id is required"))
	}
	if !s.userExpr.MatchString(userID) {
		return resilience.InvalidInput(op, fmt.Errorf("user_id %q does not match required pattern", userID))
	}
	return nil
}

func dedupe(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v != "" && !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}

// WriteMediumHandler replays deferred medium writes.
func WriteMediumHandler(medium MediumTier) dlq.Handler {
	return func(ctx context.Context, payload []byte) error {
		var rec types.MediumRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			return fmt.Errorf("decode medium record: %w", err)
		}
		_, err := medium.Write(ctx, rec)
		return err
	}
}

// WriteDurableHandler replays deferred durable writes.
func WriteDurableHandler(durable DurableTier) dlq.Handler {
	return func(ctx context.Context, payload []byte) error {
		var rec types.DurableRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			return fmt.Errorf("decode durable record: %w", err)
		}
		_, err := durable.Write(ctx, rec)
		return err
	}
}

// AccessHandler replays dropped or failed access-stat updates.
func AccessHandler(durable *accessor.Durable) dlq.Handler {
	return func(ctx context.Context, payload []byte) error {
		var job accessor.TouchJob
		if err := json.Unmarshal(payload, &job); err != nil {
			return fmt.Errorf("decode touch job: %w", err)
		}
		return durable.TouchNow(ctx, job.IDs, job.At)
	}
}
