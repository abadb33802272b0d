package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"timealign/internal/anchors"
	"timealign/internal/pipeline"
)

// AnchorsBody is the anchor table as exchanged with the picking tool.
type AnchorsBody struct {
	Tags    []string           `json:"tags"`
	Anchors [][]*anchors.Point `json:"anchors"`
}

// SolveBody requests a solve job. Empty paths fall back to the server's files.
type SolveBody struct {
	Anchors   string `json:"anchors,omitempty"`
	Output    string `json:"output,omitempty"`
	Display   bool   `json:"display,omitempty"`
	Reference *int   `json:"reference,omitempty"`
}

// ApplyBody requests an apply job.
type ApplyBody struct {
	Images    []string `json:"images"`
	Params    string   `json:"params,omitempty"`
	Anchors   string   `json:"anchors,omitempty"`
	Output    string   `json:"output,omitempty"`
	Crop      string   `json:"crop,omitempty"`
	FinalSize string   `json:"final_size,omitempty"`
	Engine    string   `json:"engine,omitempty"`
	Pattern   string   `json:"pattern,omitempty"`
}

// JobAccepted is the response of the job submission routes.
type JobAccepted struct {
	ID   string           `json:"id"`
	Type pipeline.JobType `json:"type"`
}

// setupAlignmentRoutes adds the anchor file and job submission endpoints
func (s *Server) setupAlignmentRoutes(r *mux.Router) {
	r.HandleFunc("/anchors", s.handleGetAnchors).Methods("GET")
	r.HandleFunc("/anchors", s.handlePutAnchors).Methods("PUT")
	r.HandleFunc("/solve", s.handleSolve).Methods("POST")
	r.HandleFunc("/apply", s.handleApply).Methods("POST")
}

// handleGetAnchors returns the current anchor table; an absent file is an
// empty table.
func (s *Server) handleGetAnchors(w http.ResponseWriter, r *http.Request) {
	t, err := anchors.Load(s.opts.AnchorsFile)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	body := AnchorsBody{Tags: []string{}, Anchors: [][]*anchors.Point{}}
	if t != nil {
		body.Tags, body.Anchors = t.Tags, t.Anchors
	}
	writeJSON(w, http.StatusOK, body)
}

// handlePutAnchors replaces the anchor file with a validated table.
func (s *Server) handlePutAnchors(w http.ResponseWriter, r *http.Request) {
	var body AnchorsBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, fmt.Sprintf("invalid anchors: %v", err), http.StatusBadRequest)
		return
	}
	if len(body.Tags) == 0 {
		http.Error(w, "anchor table has no tags", http.StatusBadRequest)
		return
	}
	t, err := anchors.NewTable(body.Tags, body.Anchors)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := anchors.Save(s.opts.AnchorsFile, t); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.log.Info("anchor file saved", "path", s.opts.AnchorsFile, "tags", len(t.Tags), "images", t.NumImages())
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSolve(w http.ResponseWriter, r *http.Request) {
	var body SolveBody
	if err := decodeOptional(r, &body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	anchorsPath := body.Anchors
	if anchorsPath == "" {
		anchorsPath = s.opts.AnchorsFile
	}
	output := body.Output
	if output == "" {
		output = s.opts.ParamsFile
	}
	opts := map[string]any{"display": body.Display}
	if body.Reference != nil {
		opts["reference"] = *body.Reference
	}
	s.submit(w, s.newSolveJob(anchorsPath, output, opts))
}

func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	var body ApplyBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, fmt.Sprintf("invalid request: %v", err), http.StatusBadRequest)
		return
	}
	if len(body.Images) == 0 {
		http.Error(w, "no images given", http.StatusBadRequest)
		return
	}
	params := body.Params
	if params == "" {
		params = s.opts.ParamsFile
	}

	opts := map[string]any{
		"images": body.Images,
		"params": params,
	}
	for key, val := range map[string]string{
		"anchors":   body.Anchors,
		"crop":      body.Crop,
		"finalSize": body.FinalSize,
		"engine":    body.Engine,
		"pattern":   body.Pattern,
	} {
		if val != "" {
			opts[key] = val
		}
	}
	s.submit(w, pipeline.Job{
		ID:        uuid.NewString(),
		Type:      pipeline.JobApply,
		InputPath: body.Images[0],
		Output:    body.Output,
		Options:   opts,
	})
}

func (s *Server) newSolveJob(anchorsPath, output string, opts map[string]any) pipeline.Job {
	return pipeline.Job{
		ID:        uuid.NewString(),
		Type:      pipeline.JobSolve,
		InputPath: anchorsPath,
		Output:    output,
		Options:   opts,
	}
}

func (s *Server) submit(w http.ResponseWriter, job pipeline.Job) {
	if err := s.queue.Submit(job); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, pipeline.ErrQueueFull) {
			status = http.StatusServiceUnavailable
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusAccepted, JobAccepted{ID: job.ID, Type: job.Type})
}

// decodeOptional decodes a JSON body when one is present.
func decodeOptional(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid request: %w", err)
	}
	return nil
}
