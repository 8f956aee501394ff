package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/cowcowlabs/cowcow/internal/capture"
	"github.com/cowcowlabs/cowcow/internal/recorder"
	"github.com/cowcowlabs/cowcow/internal/store"
)

func (r *Runtime) registerAPI(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/stats", r.handleStats)
	mux.HandleFunc("GET /v1/takes", r.handleListTakes)
	mux.HandleFunc("GET /v1/takes/{id}", r.handleGetTake)
	mux.HandleFunc("POST /v1/takes/{id}/requeue", r.handleRequeue)
	mux.HandleFunc("GET /v1/recordings", r.handleRecordingStatus)
	mux.HandleFunc("POST /v1/recordings", r.handleStartRecording)
	mux.HandleFunc("POST /v1/recordings/stop", r.handleStopRecording)
}

type takeDetail struct {
	Take   store.Take    `json:"take"`
	Task   *store.Task   `json:"task,omitempty"`
	Events []store.Event `json:"events"`
}

type recordRequest struct {
	TakeID               string  `json:"take_id"`
	LanguageTag          string  `json:"language_tag"`
	Prompt               string  `json:"prompt"`
	FixedDurationSeconds float64 `json:"fixed_duration_seconds"`
	Force                bool    `json:"force"`
	Priority             int     `json:"priority"`
	// Source is "exec" (the configured capture command) or "bus" (frames
	// published by a remote device under SessionID).
	Source    string `json:"source"`
	SessionID string `json:"session_id"`
}

func (r *Runtime) handleStats(w http.ResponseWriter, req *http.Request) {
	stats, err := r.store.Stats(req.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (r *Runtime) handleListTakes(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	filter := store.TakeFilter{
		LanguageTag: q.Get("language"),
		Status:      store.Status(q.Get("status")),
	}
	if v := q.Get("min_snr"); v != "" {
		snr, err := strconv.ParseFloat(v, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New("min_snr must be a number"))
			return
		}
		filter.MinSNR = &snr
	}
	if v := q.Get("rejected"); v != "" {
		rejected, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New("rejected must be a boolean"))
			return
		}
		filter.Rejected = &rejected
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a non-negative integer"))
			return
		}
		filter.Limit = limit
	}

	takes, err := r.store.ListTakes(req.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if takes == nil {
		takes = []store.Take{}
	}
	writeJSON(w, http.StatusOK, takes)
}

func (r *Runtime) handleGetTake(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	id := req.PathValue("id")
	take, err := r.store.GetTake(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	detail := takeDetail{Take: take, Events: []store.Event{}}
	if task, err := r.store.GetTask(ctx, id); err == nil {
		detail.Task = &task
	} else if !errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	events, err := r.store.ListTakeEvents(ctx, id, 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if events != nil {
		detail.Events = events
	}
	writeJSON(w, http.StatusOK, detail)
}

// handleRequeue queues a take regardless of its quality verdict, or revives
// a failed upload. Attempts are preserved. Uploaded takes are final.
func (r *Runtime) handleRequeue(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	id := req.PathValue("id")
	priority := 0
	if v := req.URL.Query().Get("priority"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New("priority must be an integer"))
			return
		}
		priority = p
	}
	if _, err := r.store.GetTake(ctx, id); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, store.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err)
		return
	}
	err := r.store.Enqueue(ctx, id, priority)
	switch {
	case errors.Is(err, store.ErrAlreadyQueued), errors.Is(err, store.ErrAlreadyUploaded):
		writeError(w, http.StatusConflict, err)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	_ = r.store.AppendEvent(ctx, store.Event{TakeID: id, Type: "requeued"})
	task, err := r.store.GetTask(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, task)
}

func (r *Runtime) handleRecordingStatus(w http.ResponseWriter, _ *http.Request) {
	id, active := r.recorder.Active()
	writeJSON(w, http.StatusOK, map[string]any{"active": active, "take_id": id})
}

func (r *Runtime) handleStartRecording(w http.ResponseWriter, req *http.Request) {
	var body recordRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid JSON body"))
		return
	}
	if body.LanguageTag == "" {
		writeError(w, http.StatusBadRequest, errors.New("language_tag is required"))
		return
	}
	res, err := r.recorder.Reserve(recorder.Request{
		TakeID:        body.TakeID,
		LanguageTag:   body.LanguageTag,
		Prompt:        body.Prompt,
		FixedDuration: time.Duration(body.FixedDurationSeconds * float64(time.Second)),
		Force:         body.Force,
		Priority:      body.Priority,
	})
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	src, err := r.source(body)
	if err != nil {
		res.Cancel()
		writeError(w, http.StatusBadRequest, err)
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.record(r.runCtx, src, res)
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"take_id": res.TakeID()})
}

func (r *Runtime) handleStopRecording(w http.ResponseWriter, _ *http.Request) {
	id, active := r.recorder.Active()
	if !active {
		writeError(w, http.StatusConflict, errors.New("no recording in progress"))
		return
	}
	r.recorder.Stop()
	writeJSON(w, http.StatusAccepted, map[string]string{"take_id": id})
}

func (r *Runtime) source(body recordRequest) (capture.Source, error) {
	switch body.Source {
	case "", "exec":
		return capture.NewExecSource(r.cfg.Recording.CaptureCommand, r.cfg.Audio, r.cfg.Recording.SourceBuffer, r.logger)
	case "bus":
		if r.bus == nil {
			return nil, errors.New("bus source requires bus.enabled")
		}
		if body.SessionID == "" {
			return nil, errors.New("session_id is required for the bus source")
		}
		return capture.NewBusSource(r.bus, body.SessionID, r.cfg.Audio, r.cfg.Recording.SourceBuffer), nil
	default:
		return nil, errors.New("source must be one of exec|bus")
	}
}

func (r *Runtime) record(ctx context.Context, src capture.Source, res *recorder.Reservation) {
	c, err := res.Record(ctx, src)
	if err != nil {
		r.logger.Warn("recording failed", slog.String("take_id", res.TakeID()), slog.String("error", err.Error()))
		return
	}
	select {
	case out := <-c.Outcome:
		if out.Err != nil {
			r.logger.Error("take finalization failed", slog.String("take_id", c.TakeID), slog.String("error", out.Err.Error()))
		}
	case <-ctx.Done():
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
