package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/JonMunkholm/finimport/internal/importer"
	"github.com/JonMunkholm/finimport/internal/jobs"
	"github.com/JonMunkholm/finimport/internal/logging"
)

// multipartOverhead is the allowance for form fields around the file.
const multipartOverhead = 1 << 20

// handleListTemplates returns the known bank templates.
func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, s.importer.Templates())
}

// handlePreview decodes an uploaded file and suggests a column mapping.
// Nothing is written.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	maxSize := s.cfg.Import.MaxFileSize
	r.Body = http.MaxBytesReader(w, r.Body, maxSize+multipartOverhead)

	if err := r.ParseMultipartForm(maxSize); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			fail(w, r, fmt.Errorf("%w: limit is %d bytes", importer.ErrFileTooLarge, maxSize))
			return
		}
		fail(w, r, malformed("multipart form: %v", err))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		fail(w, r, importer.ErrNoFile)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		fail(w, r, fmt.Errorf("read upload: %w", err))
		return
	}

	result, err := s.importer.Preview(r.Context(), importer.PreviewRequest{
		UserID:   userID(r),
		FileName: header.Filename,
		Data:     data,
		Template: r.FormValue("template"),
	})
	if err != nil {
		fail(w, r, err)
		return
	}

	writeJSON(w, r, result)
}

// decodeCommit reads a commit body. Base64 content is about 4/3 of the file,
// so the body limit is twice the file limit.
func (s *Server) decodeCommit(w http.ResponseWriter, r *http.Request) (importer.CommitRequest, error) {
	var req importer.CommitRequest
	if err := decodeBody(w, r, 2*s.cfg.Import.MaxFileSize, &req); err != nil {
		return req, err
	}
	req.UserID = userID(r)
	return req, nil
}

// handleCommit runs a commit synchronously and returns the run summary.
func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	req, err := s.decodeCommit(w, r)
	if err != nil {
		fail(w, r, err)
		return
	}

	ctx := WithRequestMetadata(r.Context(), r)
	result, err := s.importer.Commit(ctx, req, nil)
	if err != nil {
		fail(w, r, err)
		return
	}

	writeJSON(w, r, result)
}

// handleSubmitImport queues a commit as a background job.
func (s *Server) handleSubmitImport(w http.ResponseWriter, r *http.Request) {
	req, err := s.decodeCommit(w, r)
	if err != nil {
		fail(w, r, err)
		return
	}

	job, err := s.jobs.SubmitImport(WithRequestMetadata(r.Context(), r), req)
	if err != nil {
		fail(w, r, err)
		return
	}

	w.Header().Set("Location", "/api/imports/jobs/"+job.ID.String())
	writeJSONStatus(w, r, http.StatusAccepted, job)
}

// handleSync queues a bank-sync batch for the account in the path.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	accountID, err := uuidParam(r, "accountID")
	if err != nil {
		fail(w, r, err)
		return
	}

	var req importer.SyncRequest
	if err := decodeBody(w, r, 2*s.cfg.Import.MaxFileSize, &req); err != nil {
		fail(w, r, err)
		return
	}
	req.UserID = userID(r)
	req.AccountID = accountID

	job, err := s.jobs.SubmitSync(WithRequestMetadata(r.Context(), r), req)
	if err != nil {
		fail(w, r, err)
		return
	}

	w.Header().Set("Location", "/api/imports/jobs/"+job.ID.String())
	writeJSONStatus(w, r, http.StatusAccepted, job)
}

// handleListJobs returns the caller's jobs, newest first.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	list := s.jobs.Store().List(userID(r))
	if list == nil {
		list = []jobs.Job{}
	}
	writeJSON(w, r, list)
}

// handleGetJob returns one job with its progress and, once finished, its result.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "jobID")
	if err != nil {
		fail(w, r, err)
		return
	}

	job, err := s.jobs.Get(userID(r), id)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, r, job)
}

// handleCancelJob requests cooperative cancellation.
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "jobID")
	if err != nil {
		fail(w, r, err)
		return
	}

	job, err := s.jobs.Cancel(userID(r), id)
	if err != nil {
		fail(w, r, err)
		return
	}

	logging.FromContext(r.Context()).Info("job cancel requested", "job_id", id, "status", job.Status)
	writeJSONStatus(w, r, http.StatusAccepted, job)
}

// handleJobProgress streams job updates via Server-Sent Events.
// The event id is the number of processed rows; a reconnecting client sends
// it back as Last-Event-ID (or lastEventId) and already-seen updates are
// skipped.
func (s *Server) handleJobProgress(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "jobID")
	if err != nil {
		fail(w, r, err)
		return
	}

	lastEventIDStr := r.Header.Get("Last-Event-ID")
	if lastEventIDStr == "" {
		lastEventIDStr = r.URL.Query().Get("lastEventId")
	}
	lastEventID := -1
	if lastEventIDStr != "" {
		if n, err := strconv.Atoi(lastEventIDStr); err == nil {
			lastEventID = n
		}
	}

	updates, unsubscribe, err := s.jobs.Subscribe(userID(r), id)
	if err != nil {
		fail(w, r, err)
		return
	}
	defer unsubscribe()

	flusher, ok := w.(http.Flusher)
	if !ok {
		fail(w, r, errors.New("streaming not supported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case job, ok := <-updates:
			if !ok {
				return
			}

			data, err := json.Marshal(job)
			if err != nil {
				return
			}

			if job.Status.Terminal() {
				fmt.Fprintf(w, "id: %d\nevent: complete\ndata: %s\n\n", job.Progress.Processed, data)
				flusher.Flush()
				return
			}

			if job.Progress.Processed <= lastEventID {
				continue
			}
			lastEventID = job.Progress.Processed

			fmt.Fprintf(w, "id: %d\nevent: progress\ndata: %s\n\n", lastEventID, data)
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

// handleImportHistory lists the import runs recorded for an account.
func (s *Server) handleImportHistory(w http.ResponseWriter, r *http.Request) {
	accountID, err := uuidParam(r, "accountID")
	if err != nil {
		fail(w, r, err)
		return
	}

	runs, err := s.importer.History(r.Context(), userID(r), accountID)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, r, runs)
}

// handleLimiterStatus reports import slot usage.
func (s *Server) handleLimiterStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, s.importer.Limiter().Status())
}

// uuidParam parses a chi URL parameter as a UUID.
func uuidParam(r *http.Request, name string) (uuid.UUID, error) {
	raw := chi.URLParam(r, name)
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, malformed("%s %q is not a valid id", name, raw)
	}
	return id, nil
}

// decodeBody decodes a JSON body of at most limit bytes into v.
func decodeBody(w http.ResponseWriter, r *http.Request, limit int64, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("%w: request body exceeds %d bytes", importer.ErrFileTooLarge, limit)
		}
		return malformed("json body: %v", err)
	}
	return nil
}
