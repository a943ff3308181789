package api

import (
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/tstockham96/engram/pkg/memory"
	"github.com/tstockham96/engram/pkg/recall"
	"github.com/tstockham96/engram/pkg/vault"
)

// handleHealth is the unauthenticated liveness probe.
func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// RememberRequest is the POST /v1/memories payload.
type RememberRequest struct {
	Content  string        `json:"content"`
	Type     string        `json:"type,omitempty"`
	Entities []string      `json:"entities,omitempty"`
	Topics   []string      `json:"topics,omitempty"`
	Salience *float64      `json:"salience,omitempty"`
	Status   string        `json:"status,omitempty"`
	Source   memory.Source `json:"source,omitempty"`
}

func (s *Server) handleRemember(c *fiber.Ctx) error {
	var req RememberRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "malformed JSON body", Kind: "invalid-payload"})
	}

	id, err := s.vault.Remember(c.Context(), req.Content, vault.RememberOptions{
		Type:     memory.Type(req.Type),
		Entities: req.Entities,
		Topics:   req.Topics,
		Salience: req.Salience,
		Status:   memory.Status(req.Status),
		Source:   req.Source,
	})
	if err != nil {
		return s.fail(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"id": id})
}

// RecallRequest is the recall payload. GET requests carry context (or
// query), limit, spread, spread_hops, and at as query parameters;
// entities, topics, types, and spread_decay are read only from a POST body.
type RecallRequest struct {
	Context     string   `json:"context"`
	Entities    []string `json:"entities,omitempty"`
	Topics      []string `json:"topics,omitempty"`
	Types       []string `json:"types,omitempty"`
	Limit       int      `json:"limit,omitempty"`
	Spread      bool     `json:"spread,omitempty"`
	SpreadHops  int      `json:"spread_hops,omitempty"`
	SpreadDecay float64  `json:"spread_decay,omitempty"`
	At          string   `json:"at,omitempty"`
}

func (s *Server) handleRecall(c *fiber.Ctx) error {
	var req RecallRequest
	if c.Method() == fiber.MethodGet {
		req.Context = c.Query("context", c.Query("query"))
		req.Limit, _ = strconv.Atoi(c.Query("limit"))
		req.Spread = c.QueryBool("spread")
		req.SpreadHops, _ = strconv.Atoi(c.Query("spread_hops"))
		req.At = c.Query("at")
	} else if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "malformed JSON body", Kind: "invalid-payload"})
	}

	in := recall.Input{
		Context:     req.Context,
		Entities:    req.Entities,
		Topics:      req.Topics,
		Limit:       req.Limit,
		Spread:      req.Spread,
		SpreadHops:  req.SpreadHops,
		SpreadDecay: req.SpreadDecay,
	}
	for _, t := range req.Types {
		in.Types = append(in.Types, memory.Type(t))
	}
	if req.At != "" {
		at, err := time.Parse(time.RFC3339, req.At)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
				Error: fmt.Sprintf("at must be RFC 3339: %v", err),
				Kind:  "invalid-payload",
			})
		}
		in.At = at
	}

	out, err := s.vault.Recall(c.Context(), in)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(out)
}

func (s *Server) handleForget(c *fiber.Ctx) error {
	id := c.Params("id")
	hard := c.QueryBool("hard")

	if err := s.vault.Forget(c.Context(), id, hard); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(fiber.Map{"id": id, "hard": hard})
}

func (s *Server) handleNeighbors(c *fiber.Ctx) error {
	id := c.Params("id")
	depth, _ := strconv.Atoi(c.Query("depth"))

	neighbors, err := s.vault.Neighbors(c.Context(), id, depth)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(fiber.Map{"id": id, "neighbors": neighbors})
}

// AskRequest is the POST /v1/ask payload.
type AskRequest struct {
	Question string `json:"question"`
	Limit    int    `json:"limit,omitempty"`
}

func (s *Server) handleAsk(c *fiber.Ctx) error {
	var req AskRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "malformed JSON body", Kind: "invalid-payload"})
	}
	if req.Question == "" {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "question is required", Kind: "invalid-payload"})
	}

	res, err := s.vault.Ask(c.Context(), req.Question, req.Limit)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(res)
}

// BriefingRequest is the POST /v1/briefing payload.
type BriefingRequest struct {
	Context string `json:"context,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

func (s *Server) handleBriefing(c *fiber.Ctx) error {
	var req BriefingRequest
	if c.Method() == fiber.MethodGet {
		req.Context = c.Query("context")
		req.Limit, _ = strconv.Atoi(c.Query("limit"))
	} else if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "malformed JSON body", Kind: "invalid-payload"})
	}

	b, err := s.vault.Briefing(c.Context(), req.Context, req.Limit)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(b)
}

// SurfaceRequest is the POST /v1/surface payload.
type SurfaceRequest struct {
	Context        string   `json:"context"`
	ActiveEntities []string `json:"active_entities,omitempty"`
	ActiveTopics   []string `json:"active_topics,omitempty"`
	Limit          int      `json:"limit,omitempty"`
}

func (s *Server) handleSurface(c *fiber.Ctx) error {
	var req SurfaceRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "malformed JSON body", Kind: "invalid-payload"})
	}

	surfaced, err := s.vault.Surface(c.Context(), vault.SurfaceInput{
		Context:        req.Context,
		ActiveEntities: req.ActiveEntities,
		ActiveTopics:   req.ActiveTopics,
		Limit:          req.Limit,
	})
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(fiber.Map{"results": surfaced, "count": len(surfaced)})
}

// ConsolidateRequest is the POST /v1/consolidate payload.
type ConsolidateRequest struct {
	BudgetMs int `json:"budget_ms,omitempty"`
}

func (s *Server) handleConsolidate(c *fiber.Ctx) error {
	var req ConsolidateRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "malformed JSON body", Kind: "invalid-payload"})
		}
	}

	res, err := s.vault.Consolidate(c.Context(), time.Duration(req.BudgetMs)*time.Millisecond)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(res)
}

// ConnectRequest is the POST /v1/edges payload.
type ConnectRequest struct {
	Src    string  `json:"src"`
	Dst    string  `json:"dst"`
	Kind   string  `json:"kind"`
	Weight float64 `json:"weight,omitempty"`
}

func (s *Server) handleConnect(c *fiber.Ctx) error {
	var req ConnectRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "malformed JSON body", Kind: "invalid-payload"})
	}

	if err := s.vault.Connect(c.Context(), req.Src, req.Dst, memory.EdgeKind(req.Kind), req.Weight); err != nil {
		return s.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"src": req.Src, "dst": req.Dst, "kind": req.Kind})
}

func (s *Server) handleStats(c *fiber.Ctx) error {
	stats, err := s.vault.Stats(c.Context())
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(stats)
}

func (s *Server) handleEntities(c *fiber.Ctx) error {
	limit, _ := strconv.Atoi(c.Query("limit"))
	entities, err := s.vault.Entities(c.Context(), limit)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(fiber.Map{"entities": entities, "count": len(entities)})
}

func (s *Server) handleContradictions(c *fiber.Ctx) error {
	limit, _ := strconv.Atoi(c.Query("limit"))
	pairs, err := s.vault.Contradictions(c.Context(), limit)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(fiber.Map{"contradictions": pairs, "count": len(pairs)})
}

func (s *Server) handleAlerts(c *fiber.Ctx) error {
	limit, _ := strconv.Atoi(c.Query("limit"))
	alerts, err := s.vault.Alerts(c.Context(), limit)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(fiber.Map{"alerts": alerts, "count": len(alerts)})
}

func (s *Server) handleExport(c *fiber.Ctx) error {
	export, err := s.vault.Export(c.Context())
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(export)
}
