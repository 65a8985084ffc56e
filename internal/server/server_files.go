package server

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/koltyakov/deskrelay/internal/domain"
)

// multipartOverhead is allowed on top of the upload limit for part headers
// and boundaries.
const multipartOverhead = 1 << 20

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if s.cfg.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes+multipartOverhead)
	}
	mr, err := r.MultipartReader()
	if err != nil {
		writeErrorCode(w, http.StatusBadRequest, "expected multipart/form-data body", "invalid_argument")
		return
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			writeErrorCode(w, http.StatusBadRequest, `missing "file" part`, "invalid_argument")
			return
		}
		if err != nil {
			s.writeBadUpload(w, err)
			return
		}
		if part.FormName() != "file" {
			_ = part.Close()
			continue
		}
		rec, err := s.transfers.RecordUpload(r.Context(), id, part.FileName(), part)
		_ = part.Close()
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, domain.UploadResponse{
			Filename: rec.Filename,
			Size:     rec.Size,
			Checksum: rec.Checksum,
		})
		return
	}
}

func (s *Server) writeBadUpload(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeErrorCode(w, http.StatusRequestEntityTooLarge, "upload exceeds the size limit", "too_large")
		return
	}
	writeErrorCode(w, http.StatusBadRequest, "malformed multipart body", "invalid_argument")
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	dl, err := s.transfers.RecordDownload(r.Context(), mux.Vars(r)["id"], r.URL.Query().Get("path"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer func() { _ = dl.File.Close() }()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": dl.Filename}))
	w.Header().Set("X-Content-Blake3", dl.Record.Checksum)
	http.ServeContent(w, r, dl.Filename, time.Time{}, dl.File)
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	files, err := s.transfers.ListFiles(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if files == nil {
		files = []domain.FileEntry{}
	}
	writeJSON(w, http.StatusOK, domain.FilesResponse{ConnectionID: id, Files: files})
}

func (s *Server) handleTransferHistory(w http.ResponseWriter, r *http.Request) {
	records, err := s.transfers.History(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]domain.TransferResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, transferResponse(rec))
	}
	writeJSON(w, http.StatusOK, out)
}
