package adminapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/randalmurphal/courier/pkg/courier"
	"github.com/randalmurphal/courier/pkg/courier/adminapi"
	"github.com/randalmurphal/courier/pkg/courier/connection"
)

type stubTransport struct {
	mu     sync.Mutex
	cb     connection.Callbacks
	sent   []string
	paired bool
}

func (s *stubTransport) Connect(_ context.Context, cb connection.Callbacks) error {
	s.mu.Lock()
	s.cb = cb
	paired := s.paired
	s.mu.Unlock()
	if !paired {
		cb.OnPairing("PAIR-1234")
		return nil
	}
	cb.OnConnected()
	return nil
}

func (s *stubTransport) Send(_ context.Context, to, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, to)
	return nil
}

func (s *stubTransport) Groups(context.Context) ([]connection.Group, error) {
	return []connection.Group{{ID: "g-1@group", Name: "Sales", Participants: 4}}, nil
}

func (s *stubTransport) Logout(context.Context) error { return nil }
func (s *stubTransport) Close() error                 { return nil }
func (s *stubTransport) SelfID() string               { return "bot" }

type noTicks struct{}

func (noTicks) Schedule(context.Context, time.Duration, func(context.Context)) func() {
	return func() {}
}

var _ = Describe("Handler", func() {
	var (
		router    *gin.Engine
		svc       *courier.Service
		transport *stubTransport
	)

	do := func(method, path string, body any) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		if body != nil {
			Expect(json.NewEncoder(&buf).Encode(body)).To(Succeed())
		}
		req := httptest.NewRequest(method, path, &buf)
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	decode := func(w *httptest.ResponseRecorder) map[string]any {
		var resp map[string]any
		Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
		return resp
	}

	connect := func() {
		transport.mu.Lock()
		transport.paired = true
		transport.mu.Unlock()
		Expect(do(http.MethodPost, "/connect", nil).Code).To(Equal(http.StatusOK))
	}

	BeforeEach(func() {
		gin.SetMode(gin.TestMode)
		transport = &stubTransport{}

		var err error
		svc, err = courier.New(courier.Config{Transport: transport, Scheduler: noTicks{}})
		Expect(err).NotTo(HaveOccurred())
		Expect(svc.Start(context.Background())).To(Succeed())
		DeferCleanup(svc.Close)

		router = adminapi.NewRouter(svc, adminapi.Config{})
	})

	Describe("GET /health", func() {
		It("returns ok", func() {
			w := do(http.MethodGet, "/health", nil)
			Expect(w.Code).To(Equal(http.StatusOK))
			Expect(decode(w)["status"]).To(Equal("ok"))
		})
	})

	Describe("connection", func() {
		It("reports a disconnected session initially", func() {
			w := do(http.MethodGet, "/status", nil)
			Expect(w.Code).To(Equal(http.StatusOK))
			Expect(decode(w)["state"]).To(Equal("disconnected"))
		})

		It("returns the pairing code when the channel asks for one", func() {
			w := do(http.MethodPost, "/connect", nil)
			Expect(w.Code).To(Equal(http.StatusOK))
			resp := decode(w)
			Expect(resp["pairing_code"]).To(Equal("PAIR-1234"))
			Expect(resp["status"]).To(HaveKeyWithValue("state", "connecting"))
		})

		It("rejects a second attempt while one is in flight", func() {
			Expect(do(http.MethodPost, "/connect", nil).Code).To(Equal(http.StatusOK))

			w := do(http.MethodPost, "/connect", nil)
			Expect(w.Code).To(Equal(http.StatusConflict))
			Expect(decode(w)["category"]).To(Equal("conflict"))
		})

		It("connects and disconnects", func() {
			connect()
			Expect(decode(do(http.MethodGet, "/status", nil))["connected"]).To(BeTrue())

			w := do(http.MethodPost, "/disconnect", nil)
			Expect(w.Code).To(Equal(http.StatusOK))
			Expect(decode(w)["state"]).To(Equal("disconnected"))
		})

		It("toggles auto reply", func() {
			w := do(http.MethodPost, "/auto-reply", map[string]bool{"enabled": false})
			Expect(w.Code).To(Equal(http.StatusOK))
			Expect(decode(w)["auto_reply_enabled"]).To(BeFalse())
		})

		It("requires the enabled flag", func() {
			Expect(do(http.MethodPost, "/auto-reply", map[string]any{}).Code).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("POST /messages", func() {
		It("returns 400 without a recipient", func() {
			w := do(http.MethodPost, "/messages", map[string]string{"text": "hi"})
			Expect(w.Code).To(Equal(http.StatusBadRequest))
		})

		It("returns 409 with sent false while disconnected", func() {
			w := do(http.MethodPost, "/messages", map[string]string{"to": "966500000001", "text": "hi"})
			Expect(w.Code).To(Equal(http.StatusConflict))
			Expect(decode(w)["sent"]).To(BeFalse())
		})

		It("sends when connected and refuses once rate limited", func() {
			connect()
			Expect(do(http.MethodPut, "/ratelimit", map[string]int{"per_minute": 1}).Code).To(Equal(http.StatusOK))

			w := do(http.MethodPost, "/messages", map[string]string{"to": "966500000001", "text": "hi"})
			Expect(w.Code).To(Equal(http.StatusOK))
			Expect(decode(w)["sent"]).To(BeTrue())

			w = do(http.MethodPost, "/messages", map[string]string{"to": "966500000001", "text": "again"})
			Expect(w.Code).To(Equal(http.StatusConflict))
		})
	})

	Describe("groups", func() {
		It("returns 503 while disconnected", func() {
			Expect(do(http.MethodGet, "/groups", nil).Code).To(Equal(http.StatusServiceUnavailable))
		})

		It("lists groups and sends to one by name", func() {
			connect()

			w := do(http.MethodGet, "/groups", nil)
			Expect(w.Code).To(Equal(http.StatusOK))
			Expect(decode(w)["groups"]).To(HaveLen(1))

			w = do(http.MethodPost, "/groups/messages", map[string]string{"group": "sales", "text": "report"})
			Expect(w.Code).To(Equal(http.StatusOK))
			Expect(transport.sent).To(ContainElement("g-1@group"))
		})
	})

	Describe("rate limits", func() {
		It("reports counters and limits", func() {
			w := do(http.MethodGet, "/ratelimit/966500000001", nil)
			Expect(w.Code).To(Equal(http.StatusOK))
			resp := decode(w)
			Expect(resp["identity"]).To(Equal("966500000001"))
			Expect(resp["limits"]).To(HaveKeyWithValue("per_day", BeNumerically("==", 500)))
		})

		It("keeps limits that are not given", func() {
			w := do(http.MethodPut, "/ratelimit", map[string]int{"per_hour": 50})
			Expect(w.Code).To(Equal(http.StatusOK))
			resp := decode(w)
			Expect(resp["per_minute"]).To(BeNumerically("==", 20))
			Expect(resp["per_hour"]).To(BeNumerically("==", 50))
		})

		It("rejects negative or empty limits", func() {
			Expect(do(http.MethodPut, "/ratelimit", map[string]int{"per_minute": -1}).Code).To(Equal(http.StatusBadRequest))
			Expect(do(http.MethodPut, "/ratelimit", map[string]int{}).Code).To(Equal(http.StatusBadRequest))
		})

		It("clears an identity", func() {
			Expect(do(http.MethodDelete, "/ratelimit/966500000001", nil).Code).To(Equal(http.StatusNoContent))
		})
	})

	Describe("events", func() {
		It("publishes and records an event", func() {
			w := do(http.MethodPost, "/events", map[string]any{
				"name":    "order.shipped",
				"payload": map[string]string{"order": "o-1"},
			})
			Expect(w.Code).To(Equal(http.StatusAccepted))
			resp := decode(w)
			Expect(resp["status"]).To(Equal("success"))
			id := resp["event_id"].(string)

			w = do(http.MethodGet, "/events/"+id, nil)
			Expect(w.Code).To(Equal(http.StatusOK))
			Expect(decode(w)["name"]).To(Equal("order.shipped"))

			w = do(http.MethodGet, "/events/history?limit=10", nil)
			Expect(w.Code).To(Equal(http.StatusOK))
			Expect(decode(w)["events"]).To(HaveLen(1))

			w = do(http.MethodGet, "/events/stats", nil)
			Expect(w.Code).To(Equal(http.StatusOK))
			Expect(decode(w)["total"]).To(BeNumerically("==", 1))
		})

		It("returns 400 for a payload that fails validation", func() {
			w := do(http.MethodPost, "/events", map[string]any{
				"name":    "invoice.created",
				"payload": map[string]any{"amount": 10},
			})
			Expect(w.Code).To(Equal(http.StatusBadRequest))
			Expect(decode(w)["category"]).To(Equal("invalid"))
		})

		It("returns 400 without a name", func() {
			Expect(do(http.MethodPost, "/events", map[string]any{}).Code).To(Equal(http.StatusBadRequest))
		})

		It("reports failed notifications", func() {
			w := do(http.MethodPost, "/events", map[string]any{
				"name":    "payment.received",
				"payload": map[string]any{"payment_id": "p-1", "customer_phone": "966500000001", "amount": 5},
			})
			Expect(w.Code).To(Equal(http.StatusAccepted))
			Expect(decode(w)["status"]).To(Equal("failed"))

			w = do(http.MethodGet, "/events/failed", nil)
			Expect(w.Code).To(Equal(http.StatusOK))
			Expect(decode(w)["events"]).To(HaveLen(1))
		})

		It("lists payload schemas", func() {
			w := do(http.MethodGet, "/events/schemas", nil)
			Expect(w.Code).To(Equal(http.StatusOK))
			schemas := decode(w)["schemas"].([]any)
			Expect(schemas).To(HaveLen(3))
			Expect(schemas[0]).To(HaveKeyWithValue("name", "invoice.created"))
			Expect(schemas[0]).To(HaveKey("payload"))
		})

		It("returns 404 for an unknown event", func() {
			w := do(http.MethodGet, "/events/missing", nil)
			Expect(w.Code).To(Equal(http.StatusNotFound))
		})

		It("rejects a bad history limit", func() {
			Expect(do(http.MethodGet, "/events/history?limit=x", nil).Code).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("GET /messages/log", func() {
		It("returns sent messages", func() {
			connect()
			Expect(do(http.MethodPost, "/messages", map[string]string{"to": "966500000001", "text": "hi"}).Code).
				To(Equal(http.StatusOK))

			w := do(http.MethodGet, "/messages/log?identity=966500000001&direction=outgoing", nil)
			Expect(w.Code).To(Equal(http.StatusOK))
			Expect(decode(w)["messages"]).To(HaveLen(1))
		})

		It("validates the filters", func() {
			Expect(do(http.MethodGet, "/messages/log?direction=sideways", nil).Code).To(Equal(http.StatusBadRequest))
			Expect(do(http.MethodGet, "/messages/log?since=yesterday", nil).Code).To(Equal(http.StatusBadRequest))
		})
	})
})
