package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/promptlab/promptlab/internal/evolution"
	"github.com/promptlab/promptlab/internal/fitness"
	"github.com/promptlab/promptlab/internal/modelrouter"
)

// evolveRequest is the POST /evolve body: seeds plus the evolution
// config, and the model to route fitness-scoring and semantic_rewrite
// requests through.
type evolveRequest struct {
	Seeds         []string         `json:"seeds"`
	Config        evolution.Config `json:"config"`
	ScoringModel  string           `json:"scoring_model"`
	ScoringPrompt string           `json:"scoring_prompt"`
}

type evolveResponse struct {
	Population       []evolution.Individual     `json:"population"`
	History          []evolution.GenerationStats `json:"history"`
	TotalEvaluations uint64                     `json:"total_evaluations"`
	Termination      evolution.TerminationReason `json:"termination"`
}

const defaultScoringPrompt = "Rate the quality of the following prompt from 0 to 1. Respond with only the number.\n\n"

// routedScoreFunc builds a fitness.ScoreFunc that asks the router's
// model to rate candidate content from 0 to 1 and parses the reply as
// a float; a value outside [0,1] is returned as parsed, not clamped or
// rejected. This is the HTTP surface's concrete fitness callback; the
// core evolution.Engine stays agnostic of how scores are produced
// (spec.md §6 "Fitness callback").
func routedScoreFunc(router *modelrouter.Router, model, prompt string) fitness.ScoreFunc {
	if prompt == "" {
		prompt = defaultScoringPrompt
	}
	return func(ctx context.Context, content string) (float64, error) {
		resp, err := router.Route(ctx, modelrouter.BackendRequest{
			Model:         model,
			Prompt:        prompt + content,
			AllowCache:    true,
			AllowFailover: true,
		})
		if err != nil {
			return 0, fmt.Errorf("score via router: %w", err)
		}
		score, err := strconv.ParseFloat(strings.TrimSpace(resp.Content), 64)
		if err != nil {
			return 0, fmt.Errorf("parse score %q: %w", resp.Content, err)
		}
		return score, nil
	}
}

// Evolve handles POST /evolve.
func (s *Server) Evolve(w http.ResponseWriter, r *http.Request) {
	var req evolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "could not decode request body")
		return
	}
	if len(req.Seeds) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "at least one seed is required")
		return
	}
	if req.ScoringModel == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "scoring_model is required")
		return
	}
	if s.router == nil {
		writeError(w, http.StatusServiceUnavailable, "no_backend_available", "no model router is configured")
		return
	}

	engineOpts := []evolution.Option{
		evolution.WithLogger(s.log),
	}
	if s.router != nil {
		engineOpts = append(engineOpts, evolution.WithRewriter(s.router, req.ScoringModel))
	}

	engine, err := evolution.New(req.Config, engineOpts...)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_configuration", err.Error())
		return
	}

	scoreFn := routedScoreFunc(s.router, req.ScoringModel, req.ScoringPrompt)
	result, err := engine.Evolve(r.Context(), req.Seeds, scoreFn)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_configuration", err.Error())
		return
	}

	if s.metrics != nil {
		for _, g := range result.History {
			s.metrics.TrackGeneration("http", g.Generation, g.Best, g.Mean, g.Median, 0)
		}
		s.metrics.TrackTermination("http", string(result.Termination))
	}

	writeJSON(w, http.StatusOK, evolveResponse{
		Population:       result.Population,
		History:          result.History,
		TotalEvaluations: result.TotalEvaluations,
		Termination:      result.Termination,
	})
}

type generateRequest struct {
	Seed   string              `json:"seed"`
	Model  string              `json:"model"`
	Count  int                 `json:"count"`
	Params map[string]float64 `json:"params"`
}

type generateResponse struct {
	Results []string `json:"results"`
	Errors  []string `json:"errors,omitempty"`
}

// Generate handles POST /generate: count independent Router requests
// against the same seed prompt, without running any evolution
// (spec.md §6 "generate").
func (s *Server) Generate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "could not decode request body")
		return
	}
	if req.Seed == "" || req.Model == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "seed and model are required")
		return
	}
	if req.Count <= 0 {
		req.Count = 1
	}
	if s.router == nil {
		writeError(w, http.StatusServiceUnavailable, "no_backend_available", "no model router is configured")
		return
	}

	reqs := make([]modelrouter.BackendRequest, req.Count)
	for i := range reqs {
		reqs[i] = modelrouter.BackendRequest{
			Model:         req.Model,
			Prompt:        req.Seed,
			Params:        req.Params,
			AllowCache:    true,
			AllowFailover: true,
		}
	}

	responses, errs := s.router.RouteBatch(r.Context(), reqs)
	out := generateResponse{}
	for i, resp := range responses {
		if errs[i] != nil {
			out.Errors = append(out.Errors, errs[i].Error())
			continue
		}
		out.Results = append(out.Results, resp.Content)
	}
	writeJSON(w, http.StatusOK, out)
}

// Stats handles GET /stats, aggregating router statistics including
// per-model cache hit rate (spec.md §4.3 "stats()").
func (s *Server) Stats(w http.ResponseWriter, r *http.Request) {
	out := map[string]interface{}{}
	if s.router != nil {
		out["router"] = s.router.Stats()
		out["backends"] = s.router.AllBackendStats()
		out["models"] = s.router.AllModelStats()
	}
	writeJSON(w, http.StatusOK, out)
}

// Healthz handles GET /healthz.
func (s *Server) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "promptlab"})
}
