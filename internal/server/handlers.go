package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"wagate/internal/config"
	"wagate/internal/dispatch"
	"wagate/internal/engine"
	"wagate/internal/session"
)

// RecipientList accepts either a comma-separated string or a JSON array.
type RecipientList []string

func (r *RecipientList) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*r = splitRecipients(s)
		return nil
	}
	var arr []string
	if err := json.Unmarshal(b, &arr); err != nil {
		return fmt.Errorf("recipients must be a string or an array of strings")
	}
	*r = arr
	return nil
}

func splitRecipients(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

type policyRequest struct {
	PerMessageDelay string `json:"per_message_delay,omitempty"`
	BatchSize       int    `json:"batch_size,omitempty"`
	InterBatchDelay string `json:"inter_batch_delay,omitempty"`
}

func (p policyRequest) toPolicy() (dispatch.Policy, error) {
	per, err := config.ParseDurationField("policy.per_message_delay", p.PerMessageDelay)
	if err != nil {
		return dispatch.Policy{}, err
	}
	inter, err := config.ParseDurationField("policy.inter_batch_delay", p.InterBatchDelay)
	if err != nil {
		return dispatch.Policy{}, err
	}
	if p.BatchSize < 0 {
		return dispatch.Policy{}, fmt.Errorf("policy.batch_size must be >= 0")
	}
	return dispatch.Policy{PerMessageDelay: per, BatchSize: p.BatchSize, InterBatchDelay: inter}, nil
}

type sendRequest struct {
	Recipients RecipientList  `json:"phone_numbers"`
	Message    string         `json:"message"`
	Policy     *policyRequest `json:"policy,omitempty"`
}

type outcomeResponse struct {
	Recipient string `json:"recipient"`
	Sent      bool   `json:"sent"`
	Reason    string `json:"reason,omitempty"`
}

type dispatchResponse struct {
	JobID    string            `json:"job_id"`
	Status   []string          `json:"status"`
	Outcomes []outcomeResponse `json:"outcomes"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.Snapshots())
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, created, err := s.registry.GetOrCreate(id)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	writeJSON(w, code, sess.Snapshot())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.registry.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, session.ErrNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	removed := s.registry.Remove(r.Context(), r.PathValue("id"))
	writeJSON(w, http.StatusOK, map[string]bool{"removed": removed})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	pol := dispatch.Policy{}
	if req.Policy != nil {
		p, err := req.Policy.toPolicy()
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		pol = p
	}

	s.dispatchAndRespond(w, r, dispatch.Job{
		Recipients: req.Recipients,
		Payload:    dispatch.Payload{Body: req.Message},
		Policy:     pol,
	})
}

func (s *Server) handleSendFile(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(s.cfg.MaxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}

	recipients := splitRecipients(r.FormValue("phone_numbers"))
	message := r.FormValue("message")

	pol, err := policyRequest{
		PerMessageDelay: r.FormValue("per_message_delay"),
		BatchSize:       atoiDefault(r.FormValue("batch_size")),
		InterBatchDelay: r.FormValue("inter_batch_delay"),
	}.toPolicy()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	payload := dispatch.Payload{Body: message}

	// The file is optional: without it this degrades to a plain text
	// dispatch.
	file, hdr, err := r.FormFile("file")
	if err == nil {
		defer file.Close()
		data, err := io.ReadAll(io.LimitReader(file, s.cfg.MaxUploadBytes+1))
		if err != nil {
			writeError(w, http.StatusBadRequest, "failed reading upload: "+err.Error())
			return
		}
		if int64(len(data)) > s.cfg.MaxUploadBytes {
			writeError(w, http.StatusRequestEntityTooLarge, "uploaded file too large")
			return
		}
		mime := hdr.Header.Get("Content-Type")
		if mime == "" {
			mime = "application/octet-stream"
		}
		payload.Media = &engine.Media{MimeType: mime, Data: data, Filename: hdr.Filename}
	} else if !errors.Is(err, http.ErrMissingFile) {
		writeError(w, http.StatusBadRequest, "invalid file field: "+err.Error())
		return
	}

	s.dispatchAndRespond(w, r, dispatch.Job{
		Recipients: recipients,
		Payload:    payload,
		Policy:     pol,
	})
}

// dispatchAndRespond runs the job synchronously; the response is sent when
// the whole batch finished, one status line per recipient in input order.
func (s *Server) dispatchAndRespond(w http.ResponseWriter, r *http.Request, job dispatch.Job) {
	id := r.PathValue("id")
	sess, ok := s.registry.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, session.ErrNotFound.Error())
		return
	}

	res, err := s.engine.Dispatch(r.Context(), sess, job)
	switch {
	case errors.Is(err, dispatch.ErrNotReady):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, dispatch.ErrInvalidJob):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if s.Audit != nil {
		s.Audit(r.Context(), id, res, job.Payload.Media != nil)
	}

	resp := dispatchResponse{
		JobID:    res.JobID,
		Status:   res.Lines(),
		Outcomes: make([]outcomeResponse, 0, len(res.Outcomes)),
	}
	for _, o := range res.Outcomes {
		resp.Outcomes = append(resp.Outcomes, outcomeResponse{
			Recipient: o.Recipient.String(),
			Sent:      o.Sent,
			Reason:    o.Reason,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleEvents streams one session's lifecycle events as SSE until the
// client goes away. Events published while nobody listens are dropped, not
// replayed; this is a live feed.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	fl, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ch, detach := s.bridge.Attach(id, 32)
	defer detach()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fl.Flush()

	keepalive := time.NewTicker(25 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			if _, err := io.WriteString(w, ": keepalive\n\n"); err != nil {
				return
			}
			fl.Flush()
		case ev, open := <-ch:
			if !open {
				return
			}
			data, err := json.Marshal(map[string]string{
				"session_id": ev.SessionID,
				"payload":    ev.Payload,
			})
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data); err != nil {
				return
			}
			fl.Flush()
		}
	}
}

func atoiDefault(s string) int {
	n := 0
	for _, r := range strings.TrimSpace(s) {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	return n
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
