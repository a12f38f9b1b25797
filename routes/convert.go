package routes

import (
	"errors"
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

	"fileforge/converter"
	"fileforge/job"
	"fileforge/logger"
	"fileforge/validate"
)

// multipartMemory is how much of a multipart form is buffered in memory
// before parts spill to temp files.
const multipartMemory = 8 << 20

// convert handles POST /api/tools/{tool}. Files come from the "file" and
// "files" form fields, every other form field is a tool parameter.
func (s *Server) convert(w http.ResponseWriter, r *http.Request) {
	toolName := chi.URLParam(r, "tool")
	logger.Debugf("Convert request: tool=%s, remoteAddr=%s", toolName, r.RemoteAddr)

	if limit := s.bodyLimit(); limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit)
	}

	sub, err := s.readSubmission(r, toolName)
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, &validate.Error{Reason: "request body too large", Oversized: true})
			return
		}
		logger.Warnf("Rejected upload for %s: %v", toolName, err)
		writeJSON(w, http.StatusBadRequest, errorBody("malformed upload", "bad_request", err.Error()))
		return
	}

	res, err := s.opts.Pipeline.Convert(r.Context(), sub)
	if err != nil {
		writeError(w, err)
		return
	}

	if res.Job != nil {
		w.Header().Set("Location", "/api/jobs/"+res.Job.ID)
		writeJSON(w, http.StatusAccepted, jobResponse(*res.Job))
		return
	}
	serveDownload(w, res.Download)
}

// bodyLimit bounds the whole request: every file at its limit plus room for
// the form fields.
func (s *Server) bodyLimit() int64 {
	if s.opts.Upload.MaxBytes <= 0 {
		return 0
	}
	files := int64(max(s.opts.Upload.MaxFiles, 1))
	return s.opts.Upload.MaxBytes*files + 1<<20
}

// readSubmission spools the uploaded files into a fresh scratch directory.
// On success the directory belongs to the returned Submission.
func (s *Server) readSubmission(r *http.Request, toolName string) (job.Submission, error) {
	sub := job.Submission{Tool: toolName, Params: converter.Params{}}

	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	var files []*multipart.FileHeader
	if ct == "multipart/form-data" {
		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			return sub, err
		}
		defer r.MultipartForm.RemoveAll()
		files = append(files, r.MultipartForm.File["file"]...)
		files = append(files, r.MultipartForm.File["files"]...)
	} else if err := r.ParseForm(); err != nil {
		return sub, err
	}

	for key, values := range r.Form {
		if len(values) > 0 {
			sub.Params[key] = values[0]
		}
	}

	if err := os.MkdirAll(s.opts.WorkDir, 0o755); err != nil {
		return sub, fmt.Errorf("failed to create work dir: %w", err)
	}
	dir, err := os.MkdirTemp(s.opts.WorkDir, "req-*")
	if err != nil {
		return sub, fmt.Errorf("failed to create scratch dir: %w", err)
	}
	sub.Dir = dir

	for i, fh := range files {
		in, err := spoolUpload(dir, i+1, fh)
		if err != nil {
			os.RemoveAll(dir)
			return sub, err
		}
		sub.Inputs = append(sub.Inputs, in)
	}
	return sub, nil
}

func spoolUpload(dir string, ordinal int, fh *multipart.FileHeader) (validate.Input, error) {
	src, err := fh.Open()
	if err != nil {
		return validate.Input{}, fmt.Errorf("failed to open upload %s: %w", fh.Filename, err)
	}
	defer src.Close()

	name := sanitizeFilename(fh.Filename)
	path := filepath.Join(dir, fmt.Sprintf("%02d-%s", ordinal, name))
	dst, err := os.Create(path)
	if err != nil {
		return validate.Input{}, fmt.Errorf("failed to save upload: %w", err)
	}
	defer dst.Close()

	n, err := io.Copy(dst, src)
	if err != nil {
		return validate.Input{}, fmt.Errorf("failed to save upload: %w", err)
	}
	return validate.Input{Name: name, Path: path, Size: n}, nil
}

// sanitizeFilename keeps the base name and drops characters that are awkward
// on disk or in command lines.
func sanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
	clean = strings.TrimLeft(clean, ".-")
	if clean == "" {
		return "upload"
	}
	return clean
}

func serveDownload(w http.ResponseWriter, d *job.Download) {
	defer d.Body.Close()

	h := w.Header()
	h.Set("Content-Type", d.ContentType)
	h.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": d.Name}))
	if d.Size >= 0 {
		h.Set("Content-Length", strconv.FormatInt(d.Size, 10))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, d.Body); err != nil {
		logger.Warnf("Failed to stream %s: %v", d.Name, err)
	}
}
