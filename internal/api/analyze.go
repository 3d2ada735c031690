package api

import (
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/inspectd/inspectd/internal/app/scoring"
	"github.com/inspectd/inspectd/internal/domain"
)

// ─── Analyze API ────────────────────────────────────────────────────────────
//
// POST /analyze        multipart: file, item, model, threshold
// POST /analyze/batch  multipart: files (repeated), item, model, threshold

// handleAnalyze scores a single image.
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if err := s.parseMultipart(w, r); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	item, model, threshold, err := s.analyzeParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	f, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "form field 'file' is required")
		return
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read upload: "+err.Error())
		return
	}

	res, err := s.scoring.Analyze(r.Context(), scoring.Request{
		Item:      item,
		Model:     model,
		Image:     data,
		Threshold: threshold,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleAnalyzeBatch scores every uploaded file against one item/model.
func (s *Server) handleAnalyzeBatch(w http.ResponseWriter, r *http.Request) {
	if err := s.parseMultipart(w, r); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	item, model, threshold, err := s.analyzeParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		writeError(w, http.StatusBadRequest, "form field 'files' is required")
		return
	}
	images := make([]scoring.BatchImage, 0, len(headers))
	for _, fh := range headers {
		data, err := readPart(fh)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("read %s: %v", fh.Filename, err))
			return
		}
		images = append(images, scoring.BatchImage{Name: fh.Filename, Data: data})
	}

	entries, err := s.scoring.AnalyzeBatch(r.Context(), scoring.BatchRequest{
		Item:      item,
		Model:     model,
		Images:    images,
		Threshold: threshold,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"item":      item,
		"model":     model,
		"threshold": threshold,
		"results":   entries,
	})
}

// --- Internal helpers ---

func (s *Server) parseMultipart(w http.ResponseWriter, r *http.Request) error {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	if err := r.ParseMultipartForm(s.maxUpload); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("upload exceeds %d bytes", s.maxUpload)
		}
		return fmt.Errorf("expected multipart/form-data: %v", err)
	}
	return nil
}

// analyzeParams reads item, model and threshold. threshold falls back to the
// server default when absent.
func (s *Server) analyzeParams(r *http.Request) (string, domain.ModelKind, float64, error) {
	item := strings.TrimSpace(r.FormValue("item"))
	if item == "" {
		return "", "", 0, errors.New("form field 'item' is required")
	}
	model := strings.TrimSpace(r.FormValue("model"))
	if model == "" {
		return "", "", 0, errors.New("form field 'model' is required")
	}

	threshold := s.defaultThreshold
	if raw := strings.TrimSpace(r.FormValue("threshold")); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return "", "", 0, fmt.Errorf("threshold %q is not a finite number", raw)
		}
		threshold = v
	}
	return item, domain.ModelKind(model), threshold, nil
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}
