package api

import (
	"errors"
	"net/http"

	"github.com/Nephrolytics-ai/smart-librarian/pkg/logging"
	"github.com/Nephrolytics-ai/smart-librarian/pkg/model"
	"github.com/Nephrolytics-ai/smart-librarian/pkg/recommend"
	"github.com/Nephrolytics-ai/smart-librarian/pkg/stt"
)

// Error codes returned in the "error" field of failed responses.
const (
	CodeInvalidRequest       = "invalid_request"
	CodeEmptyQuery           = "empty_query"
	CodeMissingFile          = "missing_file"
	CodeUnsupportedAudio     = "unsupported_audio"
	CodeNoSpeech             = "no_speech_detected"
	CodeRetrievalFailure     = "retrieval_failure"
	CodeGenerationFailure    = "generation_failure"
	CodeTranscriptionFailure = "transcription_failure"
	CodeInternal             = "internal_error"
)

type errorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

type errorMapping struct {
	kind   error
	status int
	code   string
	detail string
}

// Checked in order; ErrNoSpeech precedes ErrTranscription.
var errorMappings = []errorMapping{
	{recommend.ErrEmptyQuery, http.StatusBadRequest, CodeEmptyQuery, "query is empty"},
	{stt.ErrUnsupportedAudio, http.StatusBadRequest, CodeUnsupportedAudio, "supported types: .mp3 .wav .m4a .webm .ogg"},
	{model.ErrNoSpeech, http.StatusUnprocessableEntity, CodeNoSpeech, "no speech detected in the recording"},
	{model.ErrRetrieval, http.StatusBadGateway, CodeRetrievalFailure, "catalog search failed"},
	{model.ErrGeneration, http.StatusBadGateway, CodeGenerationFailure, "recommendation could not be generated"},
	{model.ErrTranscription, http.StatusBadGateway, CodeTranscriptionFailure, "transcription failed"},
}

// writeServiceError maps an error kind to its status and code. Unclassified errors are 500.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	log := logging.NewLogger(r.Context())
	for _, m := range errorMappings {
		if errors.Is(err, m.kind) {
			if m.status >= http.StatusInternalServerError {
				log.Errorf("request_failed code=%s err=%v", m.code, err)
			} else {
				log.Infof("request_rejected code=%s err=%v", m.code, err)
			}
			writeError(w, r, m.status, m.code, m.detail)
			return
		}
	}
	log.Errorf("request_failed code=%s err=%v", CodeInternal, err)
	writeError(w, r, http.StatusInternalServerError, CodeInternal, "unexpected error")
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code string, detail string) {
	writeJSON(w, r, status, errorResponse{Error: code, Detail: detail})
}
