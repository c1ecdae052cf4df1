package api

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"scene-render-service/internal/models"
	"scene-render-service/internal/pkg/errors"
	"scene-render-service/internal/worker"
)

type jobResponse struct {
	Job         models.Job        `json:"job"`
	DownloadURL string            `json:"download_url,omitempty"`
	Artifacts   []models.Artifact `json:"artifacts,omitempty"`
}

func (s *Server) respondJob(w http.ResponseWriter, code int, job models.Job) {
	resp := jobResponse{Job: job}
	if job.DownloadRef != "" {
		resp.DownloadURL = "/api/download/" + job.ID
	}
	if arts, err := s.registry.ForJob(job.ID); err == nil {
		resp.Artifacts = arts
	}
	writeJSON(w, code, resp)
}

// respondFinished answers a synchronous submission with its terminal job.
func (s *Server) respondFinished(w http.ResponseWriter, job models.Job) {
	if job.Status == models.StatusError {
		e := errors.New(errors.Code(job.ErrorCode), job.Message).WithField("job_id", job.ID)
		if len(job.Outcomes) > 0 {
			e = e.WithField("outcomes", job.Outcomes)
		}
		writeErr(w, e)
		return
	}
	s.respondJob(w, http.StatusOK, job)
}

func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	if !s.admit(w, r, 1) {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeErr(w, errors.Validation("multipart field 'file' is required"))
		return
	}
	defer file.Close()

	payload, err := s.saveUpload(file, header)
	if err != nil {
		writeErr(w, err)
		return
	}
	job, err := s.proc.RunSync(r.Context(), models.KindSingleConvert, header.Filename, payload)
	if err != nil {
		_ = os.Remove(payload.InputPath)
		writeErr(w, err)
		return
	}
	s.respondFinished(w, job)
}

func (s *Server) handleBulkConvert(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeErr(w, errors.Validation("invalid multipart form"))
		return
	}
	defer r.MultipartForm.RemoveAll()
	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		writeErr(w, errors.Validation("multipart field 'files' is required"))
		return
	}
	if !s.admit(w, r, len(headers)) {
		return
	}

	items := make([]worker.BulkItem, len(headers))
	for i, h := range headers {
		payload := models.ConvertPayload{OriginalName: h.Filename}
		if f, err := h.Open(); err == nil {
			if saved, serr := s.saveUpload(f, h); serr == nil {
				payload = saved
			}
			f.Close()
		}
		items[i] = worker.BulkItem{Kind: models.KindBulkConvertItem, Title: h.Filename, Payload: payload}
	}

	res, err := s.proc.SubmitBulk(r.Context(), items)
	for _, rej := range res.Rejected {
		if p, ok := items[rej.Index].Payload.(models.ConvertPayload); ok && p.InputPath != "" {
			_ = os.Remove(p.InputPath)
		}
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	code := http.StatusAccepted
	if len(res.Accepted) == 0 {
		code = http.StatusBadRequest
	}
	writeJSON(w, code, res)
}

func (s *Server) handleCSV(w http.ResponseWriter, r *http.Request) {
	if !s.admit(w, r, 1) {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeErr(w, errors.Validation("multipart field 'file' is required"))
		return
	}
	defer file.Close()
	if !strings.EqualFold(filepath.Ext(header.Filename), ".csv") {
		writeErr(w, errors.Validationf("%s: only .csv files are accepted", header.Filename))
		return
	}
	opts, err := productOptions(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	saved, err := s.saveUpload(file, header)
	if err != nil {
		writeErr(w, err)
		return
	}

	payload := models.CSVPayload{CSVPath: saved.InputPath, Options: opts}
	job, err := s.proc.RunSync(r.Context(), models.KindCSVProductItem, header.Filename, payload)
	if err != nil {
		_ = os.Remove(saved.InputPath)
		writeErr(w, err)
		return
	}
	s.respondFinished(w, job)
}

func productOptions(r *http.Request) (models.ProductOptions, error) {
	opts := models.ProductOptions{
		Voice:      r.FormValue("voice"),
		FontFamily: r.FormValue("font_family"),
		Watermark:  r.FormValue("watermark"),
		OutroText:  r.FormValue("outro_text"),
	}
	if v := r.FormValue("show_subtitles"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return opts, errors.Validationf("show_subtitles: %q is not a boolean", v)
		}
		opts.ShowSubtitles = &b
	}
	if v := r.FormValue("font_size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return opts, errors.Validationf("font_size: %q is not a positive integer", v)
		}
		opts.FontSize = n
	}
	return opts, nil
}

func (s *Server) handleRender(w http.ResponseWriter, r *http.Request) {
	if !s.admit(w, r, 1) {
		return
	}
	m, err := decodeManifest(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	job, err := s.proc.Submit(r.Context(), models.KindManifestRender, m.Title, m)
	if err != nil {
		writeErr(w, err)
		return
	}
	s.respondJob(w, http.StatusAccepted, job)
}

// decodeManifest reads a JSON or YAML manifest, chosen by Content-Type.
func decodeManifest(r *http.Request) (models.Manifest, error) {
	var m models.Manifest
	body, err := io.ReadAll(io.LimitReader(r.Body, 64<<20))
	if err != nil {
		return m, errors.Validation("read body")
	}
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch ct {
	case "application/yaml", "application/x-yaml", "text/yaml", "text/x-yaml":
		if err := yaml.Unmarshal(body, &m); err != nil {
			return m, errors.Validationf("invalid yaml manifest: %v", err)
		}
	default:
		if err := json.Unmarshal(body, &m); err != nil {
			return m, errors.Validationf("invalid json manifest: %v", err)
		}
	}
	return m, nil
}

func (s *Server) handleListJobs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"jobs": s.jobs.Snapshot()})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	s.respondJob(w, http.StatusOK, job)
}

func (s *Server) handleJobArtifacts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.jobs.Get(id); err != nil {
		writeErr(w, err)
		return
	}
	arts, err := s.registry.ForJob(id)
	if err != nil {
		arts = []models.Artifact{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"artifacts": arts})
}

func (s *Server) handleJobHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.jobs.Get(id); err != nil {
		writeErr(w, err)
		return
	}
	if s.history == nil {
		writeErr(w, errors.NotFound("audit history", id).WithField("reason", "audit trail not configured"))
		return
	}
	events, err := s.history.History(r.Context(), id)
	if err != nil {
		writeErr(w, errors.Wrap(err, "api.history", "read audit trail"))
		return
	}
	if events == nil {
		events = []models.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// handleDownload serves a file by job id (when the job has exactly one
// artifact) or by artifact id.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	artifactID := id
	if job, err := s.jobs.Get(id); err == nil {
		switch {
		case job.Status != models.StatusCompleted:
			writeErr(w, errors.NotFound("artifact for job", job.ID).WithField("status", job.Status))
			return
		case job.DownloadRef == "":
			writeErr(w, errors.Conflict(fmt.Sprintf("job %s has %d artifacts, download them by artifact id", job.ID, len(job.ArtifactIDs))))
			return
		}
		artifactID = job.DownloadRef
	}
	art, err := s.registry.Get(artifactID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if _, err := os.Stat(art.Path); err != nil {
		writeErr(w, errors.NotFound("file", art.ID))
		return
	}
	w.Header().Set("Content-Type", art.ContentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filepath.Base(art.Path)}))
	http.ServeFile(w, r, art.Path)
}

// saveUpload stores an uploaded file under WORK_DIR/uploads.
func (s *Server) saveUpload(file multipart.File, header *multipart.FileHeader) (models.ConvertPayload, error) {
	dir := filepath.Join(s.cfg.WorkDir, "uploads")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return models.ConvertPayload{}, errors.Wrap(err, "api.upload", "create upload dir")
	}
	path := filepath.Join(dir, uuid.New().String()+strings.ToLower(filepath.Ext(header.Filename)))
	out, err := os.Create(path)
	if err != nil {
		return models.ConvertPayload{}, errors.Wrap(err, "api.upload", "create upload file")
	}
	if _, err := io.Copy(out, file); err != nil {
		out.Close()
		_ = os.Remove(path)
		return models.ConvertPayload{}, errors.WrapWithCode(err, errors.CodeValidation, "api.upload", "read upload")
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(path)
		return models.ConvertPayload{}, errors.Wrap(err, "api.upload", "write upload")
	}
	return models.ConvertPayload{InputPath: path, OriginalName: header.Filename}, nil
}
