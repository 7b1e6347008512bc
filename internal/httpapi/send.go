package httpapi

import (
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/luisarev/mensajero/internal/dispatch"
	"github.com/luisarev/mensajero/internal/media"
	"github.com/luisarev/mensajero/internal/ratelimit"
	"github.com/luisarev/mensajero/internal/registry"
)

type sendTextRequest struct {
	SenderNumber    string `json:"senderNumber"`
	DataText        string `json:"dataText"`
	MessageTemplate string `json:"messageTemplate"`
}

// parseRecipients turns newline-separated "number,name" lines into the batch.
// Blank lines are skipped; the name is optional.
func parseRecipients(dataText string) []dispatch.Recipient {
	var recipients []dispatch.Recipient
	for _, line := range strings.Split(dataText, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		number, name, _ := strings.Cut(line, ",")
		number = strings.TrimSpace(number)
		if number == "" {
			continue
		}
		recipients = append(recipients, dispatch.Recipient{
			Number: number,
			Name:   strings.TrimSpace(name),
		})
	}
	return recipients
}

func (s *Server) handleSendText(w http.ResponseWriter, r *http.Request) {
	var req sendTextRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.SenderNumber) == "" {
		respondError(w, http.StatusBadRequest, "missing_sender", "senderNumber is required")
		return
	}

	recipients := parseRecipients(req.DataText)
	if len(recipients) == 0 {
		respondError(w, http.StatusBadRequest, "empty_batch", "dataText contains no recipients")
		return
	}

	if _, err := s.registry.GetOrCreate(r.Context(), req.SenderNumber); err != nil {
		respondError(w, http.StatusInternalServerError, "session_start_failed", err.Error())
		return
	}

	results, err := s.dispatcher.SendText(r.Context(), req.SenderNumber, recipients, req.MessageTemplate)
	if err != nil {
		if len(results) > 0 {
			// A run that stopped mid-batch (e.g. the request was cancelled
			// during pacing) still reports the outcomes it produced.
			respondJSON(w, http.StatusOK, map[string]any{
				"results": results,
				"error":   err.Error(),
			})
			return
		}
		s.respondSendError(w, req.SenderNumber, err)
		return
	}
	respondJSON(w, http.StatusOK, results)
}

func (s *Server) handleSendImage(w http.ResponseWriter, r *http.Request) {
	file, _, err := r.FormFile("imagen")
	if err != nil {
		respondError(w, http.StatusBadRequest, "missing_image", "no image uploaded")
		return
	}
	defer file.Close()

	senderNumber := strings.TrimSpace(r.FormValue("senderNumber"))
	number := strings.TrimSpace(r.FormValue("number"))
	caption := r.FormValue("caption")
	if senderNumber == "" {
		respondError(w, http.StatusBadRequest, "missing_sender", "senderNumber is required")
		return
	}
	if number == "" {
		respondError(w, http.StatusBadRequest, "missing_number", "number is required")
		return
	}

	// Spool the upload to scratch, then guarantee it is gone on every exit
	// path, success or failure.
	scratchPath, err := s.spoolUpload(file)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "upload_failed", err.Error())
		return
	}
	defer func() {
		if err := os.Remove(scratchPath); err != nil && !os.IsNotExist(err) {
			log.Printf("httpapi: remove upload scratch %s: %v", scratchPath, err)
		}
	}()

	input, err := os.ReadFile(scratchPath)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "upload_failed", err.Error())
		return
	}

	if _, err := s.registry.GetOrCreate(r.Context(), senderNumber); err != nil {
		respondError(w, http.StatusInternalServerError, "session_start_failed", err.Error())
		return
	}

	result, err := s.dispatcher.SendMedia(r.Context(), senderNumber, input, number, caption)
	if err != nil {
		s.respondSendError(w, senderNumber, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) spoolUpload(src io.Reader) (string, error) {
	if err := os.MkdirAll(s.cfg.UploadDir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(s.cfg.UploadDir, "upload-"+uuid.NewString())
	dst, err := os.Create(path)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(path)
		return "", err
	}
	if err := dst.Close(); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}

// respondSendError maps dispatch failures onto the wire contract.
func (s *Server) respondSendError(w http.ResponseWriter, senderNumber string, err error) {
	var rlErr *ratelimit.RateLimitError
	switch {
	case errors.As(err, &rlErr):
		respondJSON(w, http.StatusTooManyRequests, map[string]any{
			"error": rlErr.Error(),
			"code":  "rate_limit_" + string(rlErr.Scope),
			"stats": s.limiter.Stats(senderNumber),
		})
	case errors.Is(err, registry.ErrAccountNotReady):
		respondError(w, http.StatusConflict, "account_not_ready", err.Error())
	case errors.Is(err, media.ErrTranscodeFailed):
		respondError(w, http.StatusUnprocessableEntity, "transcode_failed", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "send_failed", err.Error())
	}
}
