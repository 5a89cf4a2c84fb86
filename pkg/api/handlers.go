package api

import (
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/Nephrolytics-ai/smart-librarian/pkg/logging"
	"github.com/Nephrolytics-ai/smart-librarian/pkg/media"
	"github.com/Nephrolytics-ai/smart-librarian/pkg/recommend"
	"github.com/Nephrolytics-ai/smart-librarian/pkg/stt"
	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
)

const uploadField = "file"

var mediaTypes = map[string]string{
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".m4a":  "audio/mp4",
	".webm": "audio/webm",
	".ogg":  "audio/ogg",
	".png":  "image/png",
}

type recommendRequest struct {
	Query string `json:"query" validate:"max=2000"`
}

type recommendResponse struct {
	Answer     string  `json:"answer"`
	Title      *string `json:"title"`
	AudioURL   string  `json:"audio_url,omitempty"`
	ImageURL   string  `json:"image_url,omitempty"`
	Candidates [][]any `json:"candidates"`
}

type transcribeResponse struct {
	Text   string `json:"text"`
	URL    string `json:"url"`
	Cached bool   `json:"cached"`
}

type voiceResponse struct {
	Transcript     transcribeResponse `json:"transcript"`
	Recommendation recommendResponse  `json:"recommendation"`
}

type healthResponse struct {
	Status string `json:"status"`
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, healthResponse{Status: "ok"})
}

func (h *handlers) recommend(w http.ResponseWriter, r *http.Request) {
	var req recommendRequest
	body := http.MaxBytesReader(w, r.Body, 64<<10)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, CodeInvalidRequest, "body must be a JSON object with a query field")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, r, http.StatusBadRequest, CodeInvalidRequest, "query is too long")
		return
	}

	result, err := h.deps.Recommender.Recommend(r.Context(), req.Query)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, toRecommendResponse(result))
}

func (h *handlers) transcribe(w http.ResponseWriter, r *http.Request) {
	result, ok := h.transcribeUpload(w, r)
	if !ok {
		return
	}
	writeJSON(w, r, http.StatusOK, h.toTranscribeResponse(result))
}

func (h *handlers) recommendVoice(w http.ResponseWriter, r *http.Request) {
	transcript, ok := h.transcribeUpload(w, r)
	if !ok {
		return
	}
	result, err := h.deps.Recommender.Recommend(r.Context(), transcript.Text)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, voiceResponse{
		Transcript:     h.toTranscribeResponse(transcript),
		Recommendation: toRecommendResponse(result),
	})
}

// transcribeUpload reads the multipart "file" field and runs it through the transcript cache.
// It writes the error response itself and reports false on failure.
func (h *handlers) transcribeUpload(w http.ResponseWriter, r *http.Request) (stt.Result, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(h.cfg.MaxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, CodeInvalidRequest, "upload is too large")
			return stt.Result{}, false
		}
		writeError(w, r, http.StatusBadRequest, CodeInvalidRequest, "expected a multipart upload")
		return stt.Result{}, false
	}
	file, header, err := r.FormFile(uploadField)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, CodeMissingFile, "multipart field \"file\" is required")
		return stt.Result{}, false
	}
	defer func() { _ = file.Close() }()

	audio, err := io.ReadAll(file)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, CodeInvalidRequest, "upload could not be read")
		return stt.Result{}, false
	}

	result, err := h.deps.Transcriber.Transcribe(r.Context(), filepath.Base(header.Filename), audio)
	if err != nil {
		writeServiceError(w, r, err)
		return stt.Result{}, false
	}
	return result, true
}

// serveMedia answers GET and HEAD for one namespace. Anything not fully committed is a 404, which
// is what pollers wait on.
func (h *handlers) serveMedia(purpose media.Purpose) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		artifact, err := media.ParseFileName(purpose, chi.URLParam(r, "name"))
		if err != nil || !h.deps.Media.Exists(r.Context(), artifact) {
			notReady(w)
			return
		}
		path, err := h.deps.Media.PathFor(artifact)
		if err != nil {
			notReady(w)
			return
		}

		f, err := os.Open(path)
		if err != nil {
			logging.NewLogger(r.Context()).Warnf("media_open_failed key=%s err=%v", artifact.Key(), err)
			notReady(w)
			return
		}
		defer func() { _ = f.Close() }()
		info, err := f.Stat()
		if err != nil {
			notReady(w)
			return
		}

		if contentType, ok := mediaTypes[artifact.Ext]; ok {
			w.Header().Set("Content-Type", contentType)
		}
		w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
		w.Header().Set("ETag", `"`+artifact.ID+`"`)
		http.ServeContent(w, r, artifact.FileName(), info.ModTime(), f)
	}
}

func notReady(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusNotFound)
}

func toRecommendResponse(result recommend.Result) recommendResponse {
	resp := recommendResponse{
		Answer:     result.Answer,
		AudioURL:   result.AudioURL,
		ImageURL:   result.ImageURL,
		Candidates: make([][]any, 0, len(result.Candidates)),
	}
	if title := strings.TrimSpace(result.Title); title != "" {
		resp.Title = &title
	}
	for _, candidate := range result.Candidates {
		resp.Candidates = append(resp.Candidates, []any{candidate.Title, candidate.Distance})
	}
	return resp
}

func (h *handlers) toTranscribeResponse(result stt.Result) transcribeResponse {
	return transcribeResponse{
		Text:   result.Text,
		URL:    result.Audio.URL(h.cfg.MediaPrefix),
		Cached: result.Cached,
	}
}
