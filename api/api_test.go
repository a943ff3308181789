package api_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/tstockham96/engram/api"
	"github.com/tstockham96/engram/pkg/recall"
	"github.com/tstockham96/engram/pkg/storage/sqlite"
	testutils "github.com/tstockham96/engram/pkg/utils/test"
	"github.com/tstockham96/engram/pkg/vault"
)

var _ = Describe("Server", func() {
	var (
		server *api.Server
		v      *vault.Vault
	)

	newServer := func(token string) {
		index := testutils.NewMockVectorDriver(3)
		store, err := sqlite.Open(sqlite.Config{DBPath: ":memory:", Index: index}, zap.NewNop())
		Expect(err).NotTo(HaveOccurred())

		v, err = vault.Open(vault.Options{
			Owner:    "api-test",
			Store:    store,
			Embedder: testutils.NewMockEmbedder(),
			LLM:      testutils.NewMockLLM("answer [1]"),
			Recall:   recall.Config{SyncStamp: true},
			Logger:   zap.NewNop(),
		})
		Expect(err).NotTo(HaveOccurred())

		server = api.NewServer(api.Config{ListenAddr: ":0", BearerToken: token}, v, zap.NewNop())
	}

	do := func(method, path string, body any, headers map[string]string) (*http.Response, map[string]any) {
		var reader io.Reader
		if body != nil {
			payload, err := json.Marshal(body)
			Expect(err).NotTo(HaveOccurred())
			reader = bytes.NewReader(payload)
		}
		req := httptest.NewRequest(method, path, reader)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, val := range headers {
			req.Header.Set(k, val)
		}

		resp, err := server.App().Test(req, -1)
		Expect(err).NotTo(HaveOccurred())

		var decoded map[string]any
		raw, err := io.ReadAll(resp.Body)
		Expect(err).NotTo(HaveOccurred())
		if len(raw) > 0 {
			_ = json.Unmarshal(raw, &decoded)
		}
		return resp, decoded
	}

	remember := func(content string) string {
		resp, body := do(http.MethodPost, "/v1/memories", map[string]any{"content": content}, nil)
		Expect(resp.StatusCode).To(Equal(http.StatusCreated))
		id, _ := body["id"].(string)
		Expect(id).NotTo(BeEmpty())
		return id
	}

	AfterEach(func() {
		Expect(v.Close()).To(Succeed())
	})

	Context("without auth", func() {
		BeforeEach(func() {
			newServer("")
		})

		It("answers the health probe", func() {
			resp, body := do(http.MethodGet, "/health", nil, nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(body["status"]).To(Equal("ok"))
		})

		It("stores a memory with 201", func() {
			remember("Priya leads the Atlas project")
		})

		It("rejects an empty payload with 400", func() {
			resp, body := do(http.MethodPost, "/v1/memories", map[string]any{"content": ""}, nil)
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(body["kind"]).To(Equal("invalid-payload"))
		})

		It("recalls stored memories", func() {
			remember("the deploy pipeline uses blue-green rollouts")

			resp, body := do(http.MethodPost, "/v1/memories/recall", map[string]any{
				"context": "deploy pipeline rollouts",
				"limit":   5,
			}, nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			results, ok := body["results"].([]any)
			Expect(ok).To(BeTrue())
			Expect(results).NotTo(BeEmpty())
		})

		It("recalls via GET query parameters", func() {
			remember("the deploy pipeline uses blue-green rollouts")

			resp, _ := do(http.MethodGet, "/v1/memories/recall?context=rollouts&limit=5", nil, nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})

		It("rejects a malformed at timestamp", func() {
			resp, _ := do(http.MethodPost, "/v1/memories/recall", map[string]any{
				"context": "anything",
				"at":      "yesterday-ish",
			}, nil)
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("forgets a memory and 404s unknown ids", func() {
			id := remember("disposable note")

			resp, _ := do(http.MethodDelete, "/v1/memories/"+id+"?hard=true", nil, nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			resp, body := do(http.MethodDelete, "/v1/memories/"+id, nil, nil)
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			Expect(body["kind"]).To(Equal("not-found"))
		})

		It("serves neighbors", func() {
			a := remember("first note about Atlas")
			remember("second note about Atlas")

			resp, body := do(http.MethodGet, "/v1/memories/"+a+"/neighbors", nil, nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			neighbors, ok := body["neighbors"].([]any)
			Expect(ok).To(BeTrue())
			Expect(neighbors).NotTo(BeEmpty())
		})

		It("answers questions with citations", func() {
			remember("Atlas v3 ships in October")

			resp, body := do(http.MethodPost, "/v1/ask", map[string]any{"question": "When does Atlas ship?"}, nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(body["answer"]).To(ContainSubstring("answer"))
			citations, ok := body["citations"].([]any)
			Expect(ok).To(BeTrue())
			Expect(citations).NotTo(BeEmpty())
		})

		It("runs consolidation", func() {
			resp, body := do(http.MethodPost, "/v1/consolidate", map[string]any{"budget_ms": 1000}, nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(body).To(HaveKey("consolidation"))
			Expect(body).To(HaveKey("sweep"))
		})

		It("serves briefing, stats, entities, contradictions, alerts, and export", func() {
			remember("I promised Priya a review")

			for _, path := range []string{
				"/v1/briefing", "/v1/stats", "/v1/entities",
				"/v1/contradictions", "/v1/alerts", "/v1/export",
			} {
				resp, _ := do(http.MethodGet, path, nil, nil)
				Expect(resp.StatusCode).To(Equal(http.StatusOK), path)
			}
		})

		It("surfaces memories with reasons", func() {
			remember("Priya owns the ML roadmap")

			resp, body := do(http.MethodPost, "/v1/surface", map[string]any{
				"context":         "planning",
				"active_entities": []string{"Priya"},
			}, nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			results, ok := body["results"].([]any)
			Expect(ok).To(BeTrue())
			Expect(results).NotTo(BeEmpty())
		})

		It("connects memories over the edge endpoint", func() {
			a := remember("note a")
			b := remember("note b")

			resp, _ := do(http.MethodPost, "/v1/edges", map[string]any{
				"src": a, "dst": b, "kind": "user", "weight": 0.7,
			}, nil)
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))

			resp, _ = do(http.MethodPost, "/v1/edges", map[string]any{
				"src": a, "dst": b, "kind": "nonsense",
			}, nil)
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})

	Context("with bearer auth", func() {
		BeforeEach(func() {
			newServer("sekrit")
		})

		It("rejects requests without the token", func() {
			resp, _ := do(http.MethodGet, "/v1/stats", nil, nil)
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
		})

		It("accepts requests with the token", func() {
			resp, _ := do(http.MethodGet, "/v1/stats", nil, map[string]string{
				"Authorization": "Bearer sekrit",
			})
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})

		It("keeps the health probe open", func() {
			resp, _ := do(http.MethodGet, "/health", nil, nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})
	})
})
