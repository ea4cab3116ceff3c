package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gofiber/fiber/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/xiy/memory-engine/internal/memory"
	"github.com/xiy/memory-engine/internal/resilience"
	"github.com/xiy/memory-engine/pkg/types"
)

type fakeBackend struct {
	assembleErr error
	writeErr    error
	health      types.HealthReport
	lastStatus  types.FailureStatus
	lastLimit   int
	lastTokens  int
}

func (f *fakeBackend) Assemble(_ context.Context, userID, sessionID string, maxTokens int) (types.AssembledContext, error) {
	f.lastTokens = maxTokens
	if f.assembleErr != nil {
		return types.AssembledContext{}, f.assembleErr
	}
	return types.AssembledContext{
		UserID:    userID,
		SessionID: sessionID,
		MaxTokens: maxTokens,
		Messages:  []types.Message{{Role: types.RoleUser, Content: "hi"}},
		Status:    types.StatusHealthy,
	}, nil
}

func (f *fakeBackend) AppendMessage(_ context.Context, in types.MessageInput) (types.Session, error) {
	if in.UserID == "" {
		return types.Session{}, resilience.InvalidInput("memory.append_message", errors.New("user_id is required"))
	}
	return types.Session{UserID: in.UserID, SessionID: in.SessionID, Messages: []types.Message{{Role: types.RoleUser, Content: in.Content}}}, nil
}

func (f *fakeBackend) WriteMedium(_ context.Context, in types.MediumInput) (types.MediumRecord, error) {
	return types.MediumRecord{ID: "m1", UserID: in.UserID}, f.writeErr
}

func (f *fakeBackend) WriteDurable(_ context.Context, in types.DurableInput) (types.DurableRecord, error) {
	return types.DurableRecord{ID: "d1", UserID: in.UserID}, f.writeErr
}

func (f *fakeBackend) GetStats(_ context.Context, userID string) (types.Stats, error) {
	return types.Stats{UserID: userID, MediumCount: 2, DurableCount: 1, TotalTokensEstimate: 40, AvgImportance: 0.5}, nil
}

func (f *fakeBackend) ListFailures(_ context.Context, status types.FailureStatus, limit int) ([]types.FailureRecord, error) {
	f.lastStatus, f.lastLimit = status, limit
	return []types.FailureRecord{{EventID: "e1", EventType: "memory.promote", Status: types.FailurePending}}, nil
}

func (f *fakeBackend) Breakers() []types.BreakerSnapshot {
	return []types.BreakerSnapshot{{Store: "durable", Operation: "read", State: "open", ConsecutiveFailures: 5}}
}

func (f *fakeBackend) Health(context.Context) types.HealthReport {
	return f.health
}

func newTestServer(backend *fakeBackend) *Server {
	return NewServer(Config{ListenAddr: ":0"}, backend, log.NewWithOptions(io.Discard, log.Options{}))
}

func do(s *Server, method, path, body string) (int, string) {
	GinkgoHelper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := s.app.Test(req)
	Expect(err).NotTo(HaveOccurred())
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	Expect(err).NotTo(HaveOccurred())
	return resp.StatusCode, string(b)
}

var _ = Describe("Server", func() {
	var (
		backend *fakeBackend
		s       *Server
	)

	BeforeEach(func() {
		backend = &fakeBackend{health: types.HealthReport{Status: types.HealthOK, CheckedAt: time.Now()}}
		s = newTestServer(backend)
	})

	Describe("GET /healthz", func() {
		It("returns 200 when healthy and 503 when degraded", func() {
			status, _ := do(s, http.MethodGet, "/healthz", "")
			Expect(status).To(Equal(fiber.StatusOK))

			backend.health.Status = types.HealthDegraded
			status, body := do(s, http.MethodGet, "/healthz", "")
			Expect(status).To(Equal(fiber.StatusServiceUnavailable))
			Expect(body).To(ContainSubstring(`"status":"degraded"`))
		})
	})

	Describe("POST /v1/context", func() {
		It("assembles with the requested budget", func() {
			status, body := do(s, http.MethodPost, "/v1/context", `{"user_id":"u1","session_id":"s1","max_tokens":500}`)
			Expect(status).To(Equal(fiber.StatusOK), body)

			var out types.AssembledContext
			Expect(json.Unmarshal([]byte(body), &out)).To(Succeed())
			Expect(out.UserID).To(Equal("u1"))
			Expect(out.Status).To(Equal(types.StatusHealthy))
			Expect(out.Messages).To(HaveLen(1))
			Expect(backend.lastTokens).To(Equal(500))
		})

		It("rejects negative budgets and malformed bodies", func() {
			status, _ := do(s, http.MethodPost, "/v1/context", `{"user_id":"u1","session_id":"s1","max_tokens":-1}`)
			Expect(status).To(Equal(fiber.StatusBadRequest))

			status, _ = do(s, http.MethodPost, "/v1/context", `{not json`)
			Expect(status).To(Equal(fiber.StatusBadRequest))
		})

		DescribeTable("maps error kinds to status codes",
			func(err error, want int) {
				s = newTestServer(&fakeBackend{assembleErr: err})
				status, body := do(s, http.MethodPost, "/v1/context", `{"user_id":"u1","session_id":"s1"}`)
				Expect(status).To(Equal(want))

				var resp ErrorResponse
				Expect(json.Unmarshal([]byte(body), &resp)).To(Succeed())
				Expect(resp.Error).NotTo(BeEmpty())
			},
			Entry("invalid input", resilience.InvalidInput("assemble", errors.New("user_id is required")), fiber.StatusBadRequest),
			Entry("timeout", resilience.Timeout("assemble", context.DeadlineExceeded), fiber.StatusGatewayTimeout),
			Entry("unavailable", resilience.Unavailable("assemble", errors.New("no tier answered")), fiber.StatusServiceUnavailable),
			Entry("circuit open", fmt.Errorf("read: %w", &resilience.CircuitOpenError{Key: resilience.Key{Store: "durable", Operation: "read"}}), fiber.StatusServiceUnavailable),
			Entry("unclassified", errors.New("boom"), fiber.StatusInternalServerError),
		)
	})

	Describe("writes", func() {
		It("appends messages and validates input", func() {
			status, body := do(s, http.MethodPost, "/v1/messages", `{"user_id":"u1","session_id":"s1","content":"hello"}`)
			Expect(status).To(Equal(fiber.StatusCreated))
			Expect(body).To(ContainSubstring(`"content":"hello"`))

			status, _ = do(s, http.MethodPost, "/v1/messages", `{"session_id":"s1","content":"hello"}`)
			Expect(status).To(Equal(fiber.StatusBadRequest))
		})

		It("returns 201 for stored, 202 for deferred and 503 for unavailable", func() {
			status, body := do(s, http.MethodPost, "/v1/medium", `{"user_id":"u1","kind":"decision","content":{"decision":{"choice":"go"}}}`)
			Expect(status).To(Equal(fiber.StatusCreated))
			Expect(body).To(ContainSubstring(`"id":"m1"`))

			backend.writeErr = fmt.Errorf("%w: %w", memory.ErrDeferred, resilience.Unavailable("durable.write", errors.New("locked")))
			status, body = do(s, http.MethodPost, "/v1/durable", `{"user_id":"u1","kind":"fact","content":{"fact":{"statement":"x"}}}`)
			Expect(status).To(Equal(fiber.StatusAccepted))
			Expect(body).To(ContainSubstring(`"id":"d1"`))

			backend.writeErr = resilience.Unavailable("durable.write", errors.New("locked"))
			status, _ = do(s, http.MethodPost, "/v1/durable", `{"user_id":"u1","kind":"fact","content":{"fact":{"statement":"x"}}}`)
			Expect(status).To(Equal(fiber.StatusServiceUnavailable))
		})
	})

	Describe("inspection", func() {
		It("serves stats and breakers", func() {
			status, body := do(s, http.MethodGet, "/v1/users/u7/stats", "")
			Expect(status).To(Equal(fiber.StatusOK))
			var stats types.Stats
			Expect(json.Unmarshal([]byte(body), &stats)).To(Succeed())
			Expect(stats).To(Equal(types.Stats{UserID: "u7", MediumCount: 2, DurableCount: 1, TotalTokensEstimate: 40, AvgImportance: 0.5}))

			status, body = do(s, http.MethodGet, "/v1/breakers", "")
			Expect(status).To(Equal(fiber.StatusOK))
			Expect(body).To(ContainSubstring(`"state":"open"`))
		})

		It("lists failures with defaults and validated filters", func() {
			status, body := do(s, http.MethodGet, "/v1/failures", "")
			Expect(status).To(Equal(fiber.StatusOK))
			Expect(body).To(ContainSubstring(`"count":1`))
			Expect(backend.lastStatus).To(Equal(types.FailureStatus("")))
			Expect(backend.lastLimit).To(Equal(defaultFailureLimit))

			status, _ = do(s, http.MethodGet, "/v1/failures?status=failed&limit=5", "")
			Expect(status).To(Equal(fiber.StatusOK))
			Expect(backend.lastStatus).To(Equal(types.FailureFailed))
			Expect(backend.lastLimit).To(Equal(5))

			status, _ = do(s, http.MethodGet, "/v1/failures?status=weird", "")
			Expect(status).To(Equal(fiber.StatusBadRequest))

			status, _ = do(s, http.MethodGet, "/v1/failures?limit=0", "")
			Expect(status).To(Equal(fiber.StatusBadRequest))
		})
	})
})
