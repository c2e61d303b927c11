package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/chunkd/chunkd/internal/logger"
	"github.com/chunkd/chunkd/pkg/upload"
	"github.com/chunkd/chunkd/pkg/upload/coordinator"
	"github.com/chunkd/chunkd/pkg/upload/spool"
)

// maxFieldBytes bounds the non-payload multipart fields. Payload parts are
// spooled to disk and are not subject to this limit.
const maxFieldBytes = 1 << 10

// UploadHandler serves the three upload endpoints.
type UploadHandler struct {
	coordinator *coordinator.Coordinator
}

// NewUploadHandler creates a new upload handler.
func NewUploadHandler(c *coordinator.Coordinator) *UploadHandler {
	return &UploadHandler{coordinator: c}
}

// InitRequest is the body of POST /api/upload/init.
type InitRequest struct {
	UploadID string `json:"uploadId"`
	Filename string `json:"filename"`
	FileSize int64  `json:"fileSize"`
}

// InitResponse is the response of POST /api/upload/init.
type InitResponse struct {
	UploadID       string        `json:"uploadId"`
	UploadedChunks []int         `json:"uploadedChunks"`
	Status         upload.Status `json:"status"`
}

// Init handles POST /api/upload/init.
func (h *UploadHandler) Init(w http.ResponseWriter, r *http.Request) {
	var req InitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid JSON body: "+err.Error())
		return
	}

	result, err := h.coordinator.Init(r.Context(), req.UploadID, req.Filename, req.FileSize)
	if err != nil {
		if errors.Is(err, upload.ErrInvalidArgument) {
			BadRequest(w, err.Error())
			return
		}
		logger.Error("Init failed", "upload_id", req.UploadID, "error", err)
		InternalServerError(w, "failed to initialize upload session")
		return
	}

	uploaded := result.UploadedChunks
	if uploaded == nil {
		uploaded = []int{}
	}
	WriteJSONOK(w, InitResponse{
		UploadID:       result.UploadID,
		UploadedChunks: uploaded,
		Status:         result.Status,
	})
}

// ChunkResponse is the response of POST /api/upload/chunk for a chunk that
// advanced the upload.
type ChunkResponse struct {
	Success        bool `json:"success"`
	IsComplete     bool `json:"isComplete"`
	ReceivedChunks int  `json:"receivedChunks"`
	TotalChunks    int  `json:"totalChunks"`
}

// chunkForm is the parsed multipart payload of a chunk submission.
type chunkForm struct {
	uploadID    string
	chunkIndex  int
	totalChunks int
	spool       *spool.File
}

// Chunk handles POST /api/upload/chunk (multipart/form-data).
//
// Parts may arrive in any order, so the payload part is spooled to scratch
// as soon as it is seen; on every failure path the spool is deleted.
func (h *UploadHandler) Chunk(w http.ResponseWriter, r *http.Request) {
	form, err := h.parseChunkForm(r)
	if err != nil {
		BadRequest(w, err.Error())
		return
	}

	result, err := h.coordinator.ReceiveSpooled(r.Context(), form.uploadID, form.chunkIndex, form.spool)
	if err != nil {
		switch {
		case errors.Is(err, upload.ErrSessionNotFound):
			NotFound(w, fmt.Sprintf("upload session %s not found", form.uploadID))
		case errors.Is(err, upload.ErrInvalidArgument), errors.Is(err, upload.ErrLengthMismatch):
			BadRequest(w, err.Error())
		default:
			logger.Error("Chunk reception failed",
				"upload_id", form.uploadID,
				"chunk_index", form.chunkIndex,
				"error", err,
			)
			InternalServerError(w, "failed to store chunk")
		}
		return
	}

	switch {
	case result.AlreadyFinalized:
		WriteJSONOK(w, map[string]any{
			"success": true,
			"message": "Upload already finalized",
		})
	case result.Duplicate:
		WriteJSONOK(w, map[string]any{
			"success": true,
			"message": "Chunk already uploaded",
		})
	default:
		WriteJSONOK(w, ChunkResponse{
			Success:        true,
			IsComplete:     result.IsComplete,
			ReceivedChunks: result.ReceivedChunks,
			TotalChunks:    result.TotalChunks,
		})
	}
}

// parseChunkForm streams the multipart body, spooling the payload part and
// collecting the metadata fields regardless of part order.
func (h *UploadHandler) parseChunkForm(r *http.Request) (*chunkForm, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, fmt.Errorf("expected multipart/form-data: %w", err)
	}

	form := &chunkForm{chunkIndex: -1, totalChunks: -1}
	fields := map[string]string{}

	cleanup := func() {
		if form.spool != nil {
			form.spool.Remove()
		}
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("failed to read multipart body: %w", err)
		}

		if part.FormName() == "chunk" {
			if form.spool != nil {
				_ = part.Close()
				cleanup()
				return nil, fmt.Errorf("duplicate chunk part")
			}
			sp, err := spool.Write(h.coordinator.TempDir(), part)
			_ = part.Close()
			if err != nil {
				cleanup()
				return nil, fmt.Errorf("failed to spool chunk payload: %w", err)
			}
			form.spool = sp
			continue
		}

		value, err := io.ReadAll(io.LimitReader(part, maxFieldBytes))
		_ = part.Close()
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("failed to read field %s: %w", part.FormName(), err)
		}
		fields[part.FormName()] = string(value)
	}

	if form.spool == nil {
		cleanup()
		return nil, fmt.Errorf("missing chunk part")
	}
	for _, name := range []string{"uploadId", "chunkIndex", "totalChunks"} {
		if _, ok := fields[name]; !ok {
			cleanup()
			return nil, fmt.Errorf("missing field %s", name)
		}
	}

	form.uploadID = fields["uploadId"]
	form.chunkIndex, err = strconv.Atoi(fields["chunkIndex"])
	if err != nil || form.chunkIndex < 0 {
		cleanup()
		return nil, fmt.Errorf("chunkIndex must be a non-negative integer")
	}
	form.totalChunks, err = strconv.Atoi(fields["totalChunks"])
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("totalChunks must be an integer")
	}
	return form, nil
}

// StatusResponse is the response of GET /api/upload/{uploadId}/status.
type StatusResponse struct {
	Upload *upload.Session `json:"upload"`
	Chunks []upload.Chunk  `json:"chunks"`
}

// Status handles GET /api/upload/{uploadId}/status.
func (h *UploadHandler) Status(w http.ResponseWriter, r *http.Request) {
	uploadID := chi.URLParam(r, "uploadId")

	session, chunks, err := h.coordinator.Status(r.Context(), uploadID)
	if err != nil {
		if errors.Is(err, upload.ErrSessionNotFound) {
			NotFound(w, fmt.Sprintf("upload session %s not found", uploadID))
			return
		}
		logger.Error("Status query failed", "upload_id", uploadID, "error", err)
		InternalServerError(w, "failed to load upload status")
		return
	}

	if chunks == nil {
		chunks = []upload.Chunk{}
	}
	WriteJSONOK(w, StatusResponse{
		Upload: session,
		Chunks: chunks,
	})
}
