package server

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/loqalabs/comet/internal/audio"
	"github.com/loqalabs/comet/internal/pipeline"
	"github.com/loqalabs/comet/internal/protocol"
	"github.com/loqalabs/comet/internal/voices"
)

const multipartMemory = 8 << 20

type translateResponse struct {
	SourceText     string `json:"source_text"`
	OriginalText   string `json:"original_text"`
	TranslatedText string `json:"translated_text"`
	AudioBase64    string `json:"audio_base64"`
	AudioFormat    string `json:"audio_format"`
	SourceLanguage string `json:"source_language,omitempty"`
	TargetLanguage string `json:"target_language"`
}

func (s *Server) handleTranslate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		s.formError(w, err)
		return
	}
	defer r.MultipartForm.RemoveAll()

	data, err := readFormFile(r, "audio")
	if err != nil {
		s.formError(w, err)
		return
	}
	target := strings.TrimSpace(r.FormValue("target_language"))
	if target == "" {
		writeError(w, http.StatusBadRequest, protocol.CodeBadRequest, "target_language is required")
		return
	}
	modelID := strings.TrimSpace(r.FormValue("model_id"))
	if modelID == "" {
		modelID = s.opts.DefaultVoice
	}

	resp, err := s.translator.Translate(r.Context(), pipeline.Request{
		Audio:          data,
		ModelID:        modelID,
		SourceLanguage: r.FormValue("source_language"),
		TargetLanguage: target,
	})
	if err != nil {
		status, code := translateStatus(err)
		if status >= http.StatusInternalServerError {
			s.log.Warn("translate request failed", slog.String("error", err.Error()))
		}
		writeError(w, status, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, translateResponse{
		SourceText:     resp.SourceText,
		OriginalText:   resp.SourceText,
		TranslatedText: resp.TranslatedText,
		AudioBase64:    base64.StdEncoding.EncodeToString(resp.Audio),
		AudioFormat:    resp.AudioFormat,
		SourceLanguage: resp.SourceLanguage,
		TargetLanguage: resp.TargetLanguage,
	})
}

func translateStatus(err error) (int, string) {
	var fe *audio.FramingError
	switch {
	case errors.Is(err, pipeline.ErrUnintelligible):
		return http.StatusUnprocessableEntity, protocol.CodeUnintelligibleAudio
	case errors.Is(err, pipeline.ErrUnsupportedLanguage):
		return http.StatusUnprocessableEntity, protocol.CodeUnsupportedLanguage
	case errors.As(err, &fe):
		return http.StatusBadRequest, protocol.CodeFramingError
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, protocol.CodeEngineFailure
	default:
		return http.StatusBadGateway, protocol.CodeEngineFailure
	}
}

type voiceResponse struct {
	Status  string `json:"status"`
	VoiceID string `json:"voice_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) handleAddVoice(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		s.formError(w, err)
		return
	}
	defer r.MultipartForm.RemoveAll()

	name := strings.TrimSpace(r.FormValue("name"))
	if name == "" {
		writeJSON(w, http.StatusBadRequest, voiceResponse{Status: "error", Error: "name is required"})
		return
	}
	sample, err := formSample(r, "files", "file", "audio")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, voiceResponse{Status: "error", Error: err.Error()})
		return
	}

	voice, err := s.voices.Add(r.Context(), name, sample)
	if err != nil {
		status := http.StatusBadGateway
		var se *voices.StoreError
		if errors.As(err, &se) && se.Status >= 400 {
			status = se.Status
		}
		s.log.Warn("voice enrollment failed", slog.String("error", err.Error()))
		writeJSON(w, status, voiceResponse{Status: "error", Error: err.Error()})
		return
	}
	s.log.Info("voice enrolled", slog.String("voice_id", voice.ID), slog.String("name", voice.Name))
	writeJSON(w, http.StatusOK, voiceResponse{Status: "success", VoiceID: voice.ID})
}

var errMissingFile = errors.New("missing file field")

func readFormFile(r *http.Request, field string) ([]byte, error) {
	file, _, err := r.FormFile(field)
	if err != nil {
		return nil, errMissingFile
	}
	defer file.Close()
	return io.ReadAll(file)
}

func formSample(r *http.Request, fields ...string) (voices.Sample, error) {
	for _, field := range fields {
		file, header, err := r.FormFile(field)
		if err != nil {
			continue
		}
		data, err := io.ReadAll(file)
		file.Close()
		if err != nil {
			return voices.Sample{}, err
		}
		return voices.Sample{
			Filename:    header.Filename,
			ContentType: header.Header.Get("Content-Type"),
			Data:        data,
		}, nil
	}
	return voices.Sample{}, errMissingFile
}

func (s *Server) formError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, protocol.CodeUploadTooLarge, "upload exceeds the size limit")
	case errors.Is(err, errMissingFile):
		writeError(w, http.StatusBadRequest, protocol.CodeBadRequest, "audio file is required")
	default:
		writeError(w, http.StatusBadRequest, protocol.CodeBadRequest, err.Error())
	}
}
