package main

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/animus-labs/jobchain/internal/domain"
	"github.com/animus-labs/jobchain/internal/execution/dagspec"
	"github.com/animus-labs/jobchain/internal/execution/dispatch"
	"github.com/animus-labs/jobchain/internal/platform/httpserver"
	"github.com/animus-labs/jobchain/internal/repo"
	"github.com/animus-labs/jobchain/internal/service/definitions"
	"github.com/animus-labs/jobchain/internal/service/runs"
)

const maxBodyBytes = 1 << 20

type jobchainAPI struct {
	logger *slog.Logger
	defs   *definitions.Service
	runs   *runs.Service
}

func newJobchainAPI(logger *slog.Logger, defs *definitions.Service, runSvc *runs.Service) *jobchainAPI {
	return &jobchainAPI{logger: logger, defs: defs, runs: runSvc}
}

// Custom verbs (":start", ":stop", ...) share a segment with the resource id,
// so they are routed through a {target} wildcard and split in the handler.
func (api *jobchainAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/jobs", api.handleListJobs)
	mux.HandleFunc("POST /api/v1/jobs", api.handleCreateJob)
	mux.HandleFunc("GET /api/v1/jobs/{id}", api.handleGetJob)
	mux.HandleFunc("PUT /api/v1/jobs/{id}", api.handleUpdateJob)
	mux.HandleFunc("DELETE /api/v1/jobs/{id}", api.handleDeleteJob)
	mux.HandleFunc("POST /api/v1/jobs/{target}", api.handleJobAction)

	mux.HandleFunc("GET /api/v1/chains", api.handleListChains)
	mux.HandleFunc("POST /api/v1/chains", api.handleCreateChain)
	mux.HandleFunc("GET /api/v1/chains/{id}", api.handleGetChain)
	mux.HandleFunc("PUT /api/v1/chains/{id}", api.handleUpdateChain)
	mux.HandleFunc("GET /api/v1/chains/{id}/graph", api.handleChainGraph)
	mux.HandleFunc("POST /api/v1/chains/{target}", api.handleChainAction)

	mux.HandleFunc("POST /api/v1/runs", api.handleSubmitRun)
	mux.HandleFunc("GET /api/v1/runs/{id}", api.handleGetRun)
	mux.HandleFunc("GET /api/v1/runs/{id}/nodes", api.handleListNodes)
	mux.HandleFunc("GET /api/v1/runs/{id}/graph", api.handleRunGraph)
	mux.HandleFunc("POST /api/v1/runs/{target}", api.handleRunAction)
	mux.HandleFunc("POST /api/v1/runs/{id}/nodes/{target}", api.handleNodeAction)
}

type jobResponse struct {
	JobID       string    `json:"jobId"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Type        string    `json:"type"`
	Enabled     bool      `json:"enabled"`
	ConfigJSON  string    `json:"configJson"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type chainResponse struct {
	ChainID     string          `json:"chainId"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Enabled     bool            `json:"enabled"`
	Version     int64           `json:"version"`
	Dag         json.RawMessage `json:"dag"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

type runResponse struct {
	RunID     string          `json:"runId"`
	ChainID   string          `json:"chainId,omitempty"`
	JobID     string          `json:"jobId,omitempty"`
	Label     string          `json:"label,omitempty"`
	Status    string          `json:"status"`
	Dag       json.RawMessage `json:"dag"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

type nodeResponse struct {
	RunID     string          `json:"runId"`
	NodeID    string          `json:"nodeId"`
	Status    string          `json:"status"`
	Attempt   int             `json:"attempt"`
	LastError string          `json:"lastError,omitempty"`
	Artifact  domain.Metadata `json:"artifact,omitempty"`
	StartedAt *time.Time      `json:"startedAt,omitempty"`
	EndedAt   *time.Time      `json:"endedAt,omitempty"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

type graphNodeResponse struct {
	NodeID    string        `json:"nodeId"`
	Type      string        `json:"type,omitempty"`
	JobID     string        `json:"jobId,omitempty"`
	Job       *jobResponse  `json:"job,omitempty"`
	DependsOn []string      `json:"dependsOn"`
	Node      *nodeResponse `json:"node,omitempty"`
}

type graphEdgeResponse struct {
	Index int    `json:"index"`
	Type  string `json:"type"`
	From  string `json:"from"`
	To    string `json:"to"`
}

type pageResponse[T any] struct {
	Page  int   `json:"page"`
	Size  int   `json:"size"`
	Total int64 `json:"total"`
	Items []T   `json:"items"`
}

type jobRequest struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Type        string          `json:"type"`
	Config      json.RawMessage `json:"configJson,omitempty"`
	Enabled     *bool           `json:"enabled,omitempty"`
}

type chainRequest struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Dag         json.RawMessage `json:"dag"`
	Enabled     *bool           `json:"enabled,omitempty"`
	Version     int64           `json:"version,omitempty"`
}

type submitRunRequest struct {
	RunID string          `json:"runId,omitempty"`
	Dag   json.RawMessage `json:"dag"`
}

type nodeOverrideRequest struct {
	Artifact domain.Metadata `json:"artifact,omitempty"`
	Reason   string          `json:"reason,omitempty"`
}

func (api *jobchainAPI) handleListJobs(w http.ResponseWriter, r *http.Request) {
	page, err := api.defs.ListJobs(r.Context(), pageRequest(r))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	out := pageResponse[jobResponse]{Page: page.Page, Size: page.Size, Total: page.Total, Items: make([]jobResponse, 0, len(page.Items))}
	for _, job := range page.Items {
		out.Items = append(out.Items, toJobResponse(job))
	}
	api.writeJSON(w, http.StatusOK, out)
}

func (api *jobchainAPI) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req jobRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	job, err := api.defs.CreateJob(r.Context(), req.input())
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusCreated, toJobResponse(job))
}

func (api *jobchainAPI) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := api.defs.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, toJobResponse(job))
}

func (api *jobchainAPI) handleUpdateJob(w http.ResponseWriter, r *http.Request) {
	var req jobRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	job, err := api.defs.UpdateJob(r.Context(), r.PathValue("id"), req.input())
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, toJobResponse(job))
}

func (api *jobchainAPI) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	deleted, err := api.defs.DeleteJob(r.Context(), r.PathValue("id"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	if !deleted {
		api.writeError(w, r, http.StatusNotFound, "not_found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (api *jobchainAPI) handleJobAction(w http.ResponseWriter, r *http.Request) {
	id, action := splitAction(r.PathValue("target"))
	switch action {
	case "enable", "disable":
		toggle := api.defs.EnableJob
		if action == "disable" {
			toggle = api.defs.DisableJob
		}
		job, err := toggle(r.Context(), id)
		if err != nil {
			api.writeServiceError(w, r, err)
			return
		}
		api.writeJSON(w, http.StatusOK, toJobResponse(job))
	case "start":
		runID, err := api.runs.StartJob(r.Context(), id)
		if err != nil {
			api.writeServiceError(w, r, err)
			return
		}
		api.writeJSON(w, http.StatusAccepted, map[string]any{"runId": runID})
	default:
		api.writeError(w, r, http.StatusNotFound, "unknown_action")
	}
}

func (api *jobchainAPI) handleListChains(w http.ResponseWriter, r *http.Request) {
	page, err := api.defs.ListChains(r.Context(), pageRequest(r))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	out := pageResponse[chainResponse]{Page: page.Page, Size: page.Size, Total: page.Total, Items: make([]chainResponse, 0, len(page.Items))}
	for _, chain := range page.Items {
		out.Items = append(out.Items, toChainResponse(chain))
	}
	api.writeJSON(w, http.StatusOK, out)
}

func (api *jobchainAPI) handleCreateChain(w http.ResponseWriter, r *http.Request) {
	var req chainRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	chain, err := api.defs.CreateChain(r.Context(), req.input())
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusCreated, toChainResponse(chain))
}

func (api *jobchainAPI) handleGetChain(w http.ResponseWriter, r *http.Request) {
	chain, err := api.defs.GetChain(r.Context(), r.PathValue("id"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, toChainResponse(chain))
}

func (api *jobchainAPI) handleUpdateChain(w http.ResponseWriter, r *http.Request) {
	var req chainRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	if req.Version <= 0 {
		api.writeError(w, r, http.StatusBadRequest, "version_required")
		return
	}
	chain, err := api.defs.UpdateChain(r.Context(), r.PathValue("id"), req.input(), req.Version)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, toChainResponse(chain))
}

func (api *jobchainAPI) handleChainGraph(w http.ResponseWriter, r *http.Request) {
	g, err := api.defs.ChainGraph(r.Context(), r.PathValue("id"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	nodes := make([]graphNodeResponse, 0, len(g.Nodes))
	edges := make([]graphEdgeResponse, 0, len(g.Edges))
	for _, n := range g.Nodes {
		nodes = append(nodes, toGraphNode(n.Definition, n.Job, nil))
	}
	for _, e := range g.Edges {
		edges = append(edges, graphEdgeResponse{Index: len(edges), Type: "DEPENDS_ON", From: e.From, To: e.To})
	}
	api.writeJSON(w, http.StatusOK, map[string]any{
		"chain": toChainResponse(g.Chain),
		"nodes": nodes,
		"edges": edges,
	})
}

func (api *jobchainAPI) handleChainAction(w http.ResponseWriter, r *http.Request) {
	id, action := splitAction(r.PathValue("target"))
	switch action {
	case "enable", "disable":
		toggle := api.defs.EnableChain
		if action == "disable" {
			toggle = api.defs.DisableChain
		}
		chain, err := toggle(r.Context(), id)
		if err != nil {
			api.writeServiceError(w, r, err)
			return
		}
		api.writeJSON(w, http.StatusOK, toChainResponse(chain))
	case "start":
		runID, err := api.runs.StartChain(r.Context(), id)
		if err != nil {
			api.writeServiceError(w, r, err)
			return
		}
		api.writeJSON(w, http.StatusAccepted, map[string]any{"runId": runID})
	default:
		api.writeError(w, r, http.StatusNotFound, "unknown_action")
	}
}

func (api *jobchainAPI) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	var req submitRunRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	if len(req.Dag) == 0 {
		api.writeError(w, r, http.StatusBadRequest, "dag_required")
		return
	}
	dag, err := dagspec.Parse(req.Dag)
	if err != nil {
		api.writeErrorWithDetails(w, r, http.StatusBadRequest, "invalid_dag", err.Error())
		return
	}
	runID, err := api.runs.SubmitDag(r.Context(), req.RunID, dag)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusAccepted, map[string]any{"runId": runID})
}

func (api *jobchainAPI) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := api.runs.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, toRunResponse(run))
}

func (api *jobchainAPI) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := api.runs.ListNodes(r.Context(), r.PathValue("id"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	out := make([]nodeResponse, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, toNodeResponse(n))
	}
	api.writeJSON(w, http.StatusOK, out)
}

func (api *jobchainAPI) handleRunGraph(w http.ResponseWriter, r *http.Request) {
	g, err := api.runs.RunGraph(r.Context(), r.PathValue("id"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	nodes := make([]graphNodeResponse, 0, len(g.Nodes))
	edges := make([]graphEdgeResponse, 0, len(g.Edges))
	for _, n := range g.Nodes {
		nodes = append(nodes, toGraphNode(n.Definition, n.Job, n.State))
	}
	for _, e := range g.Edges {
		edges = append(edges, graphEdgeResponse{Index: len(edges), Type: "DEPENDS_ON", From: e.From, To: e.To})
	}
	api.writeJSON(w, http.StatusOK, map[string]any{
		"run":   toRunResponse(g.Run),
		"nodes": nodes,
		"edges": edges,
	})
}

func (api *jobchainAPI) handleRunAction(w http.ResponseWriter, r *http.Request) {
	id, action := splitAction(r.PathValue("target"))
	if action != "stop" {
		api.writeError(w, r, http.StatusNotFound, "unknown_action")
		return
	}
	status, err := api.runs.StopRun(r.Context(), id)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"runId": id, "status": string(status)})
}

func (api *jobchainAPI) handleNodeAction(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	nodeID, action := splitAction(r.PathValue("target"))

	var req nodeOverrideRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
			api.writeError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}
	}
	in := runs.NodeOverride{Artifact: req.Artifact, Reason: strings.TrimSpace(req.Reason)}

	var (
		node repo.NodeRecord
		err  error
	)
	switch action {
	case "retry":
		node, err = api.runs.RetryNode(r.Context(), runID, nodeID, in)
	case "complete":
		node, err = api.runs.CompleteNode(r.Context(), runID, nodeID, in)
	default:
		api.writeError(w, r, http.StatusNotFound, "unknown_action")
		return
	}
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, toNodeResponse(node))
}

func (req jobRequest) input() definitions.JobInput {
	return definitions.JobInput{
		Name:        req.Name,
		Description: req.Description,
		Type:        req.Type,
		ConfigJSON:  rawText(req.Config),
		Enabled:     req.Enabled,
	}
}

func (req chainRequest) input() definitions.ChainInput {
	return definitions.ChainInput{
		Name:        req.Name,
		Description: req.Description,
		Dag:         rawText(req.Dag),
		Enabled:     req.Enabled,
	}
}

// rawText accepts a document either inline or as a JSON string holding it.
func rawText(raw json.RawMessage) string {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return ""
	}
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	return trimmed
}

func toJobResponse(job domain.JobDefinition) jobResponse {
	return jobResponse{
		JobID:       job.ID,
		Name:        job.Name,
		Description: job.Description,
		Type:        job.Type,
		Enabled:     job.Enabled,
		ConfigJSON:  job.ConfigJSON,
		CreatedAt:   job.CreatedAt,
		UpdatedAt:   job.UpdatedAt,
	}
}

func toChainResponse(chain domain.ChainDefinition) chainResponse {
	return chainResponse{
		ChainID:     chain.ID,
		Name:        chain.Name,
		Description: chain.Description,
		Enabled:     chain.Enabled,
		Version:     chain.Version,
		Dag:         normalizeJSON([]byte(chain.DagJSON)),
		CreatedAt:   chain.CreatedAt,
		UpdatedAt:   chain.UpdatedAt,
	}
}

func toRunResponse(run repo.RunRecord) runResponse {
	return runResponse{
		RunID:     run.RunID,
		ChainID:   run.ChainID,
		JobID:     run.JobID,
		Label:     run.Label,
		Status:    string(run.Status),
		Dag:       normalizeJSON(run.DagJSON),
		CreatedAt: run.CreatedAt,
		UpdatedAt: run.UpdatedAt,
	}
}

func toNodeResponse(node repo.NodeRecord) nodeResponse {
	return nodeResponse{
		RunID:     node.RunID,
		NodeID:    node.NodeID,
		Status:    string(node.Status),
		Attempt:   node.Attempt,
		LastError: node.LastError,
		Artifact:  node.Artifact,
		StartedAt: node.StartedAt,
		EndedAt:   node.EndedAt,
		UpdatedAt: node.UpdatedAt,
	}
}

func toGraphNode(def domain.NodeDefinition, job *domain.JobDefinition, state *repo.NodeRecord) graphNodeResponse {
	out := graphNodeResponse{
		NodeID:    def.ID,
		Type:      def.Type,
		JobID:     def.JobID,
		DependsOn: def.DependsOn,
	}
	if out.DependsOn == nil {
		out.DependsOn = []string{}
	}
	if job != nil {
		j := toJobResponse(*job)
		out.Job = &j
	}
	if state != nil {
		n := toNodeResponse(*state)
		out.Node = &n
	}
	return out
}

func (api *jobchainAPI) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *definitions.ValidationError
	switch {
	case errors.As(err, &verr):
		api.writeErrorWithDetails(w, r, http.StatusBadRequest, "validation_failed", verr.Issues)
	case errors.Is(err, runs.ErrInvalidDag):
		api.writeErrorWithDetails(w, r, http.StatusBadRequest, "invalid_dag", err.Error())
	case errors.Is(err, repo.ErrNotFound):
		api.writeError(w, r, http.StatusNotFound, "not_found")
	case errors.Is(err, definitions.ErrNameTaken):
		api.writeError(w, r, http.StatusConflict, "chain_name_exists")
	case errors.Is(err, runs.ErrIllegalTransition):
		api.writeErrorWithDetails(w, r, http.StatusConflict, "illegal_transition", err.Error())
	case errors.Is(err, runs.ErrDisabled):
		api.writeError(w, r, http.StatusConflict, "disabled")
	case errors.Is(err, repo.ErrConflict):
		api.writeError(w, r, http.StatusConflict, "conflict")
	case errors.Is(err, dispatch.ErrQueueFull):
		api.writeError(w, r, http.StatusServiceUnavailable, "queue_full")
	case errors.Is(err, dispatch.ErrClosed):
		api.writeError(w, r, http.StatusServiceUnavailable, "shutting_down")
	default:
		requestID, _ := httpserver.RequestIDFromContext(r.Context())
		api.logger.Error("request failed", "request_id", requestID, "path", r.URL.Path, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
	}
}

func (api *jobchainAPI) writeJSON(w http.ResponseWriter, status int, body any) {
	httpserver.WriteJSON(w, status, body)
}

func (api *jobchainAPI) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	httpserver.WriteError(w, r, status, code)
}

func (api *jobchainAPI) writeErrorWithDetails(w http.ResponseWriter, r *http.Request, status int, code string, details any) {
	requestID, _ := httpserver.RequestIDFromContext(r.Context())
	api.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": requestID,
		"details":    details,
	})
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("multiple JSON values")
	}
	return nil
}

// splitAction splits "id:verb" at the last colon.
func splitAction(target string) (string, string) {
	i := strings.LastIndex(target, ":")
	if i < 0 {
		return target, ""
	}
	return target[:i], target[i+1:]
}

func pageRequest(r *http.Request) definitions.PageRequest {
	q := r.URL.Query()
	req := definitions.PageRequest{
		Page:    parseIntQuery(r, "page", 1),
		Size:    parseIntQuery(r, "size", definitions.DefaultPageSize),
		Keyword: strings.TrimSpace(q.Get("keyword")),
	}
	if v, err := strconv.ParseBool(strings.TrimSpace(q.Get("enabled"))); err == nil {
		req.Enabled = &v
	}
	return req
}

func parseIntQuery(r *http.Request, key string, def int) int {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return parsed
}

func normalizeJSON(raw []byte) json.RawMessage {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return json.RawMessage("{}")
	}
	if !json.Valid([]byte(trimmed)) {
		b, _ := json.Marshal(trimmed)
		return b
	}
	return json.RawMessage(trimmed)
}
