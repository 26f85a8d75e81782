package ingestion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	v1 "github.com/aevon-lab/geosummary/internal/api/v1"
	httperr "github.com/aevon-lab/geosummary/internal/core/errors"
	"github.com/aevon-lab/geosummary/internal/core/storage"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	msgReadBodyFailed  = "Failed to read request body"
	msgInvalidJSON     = "Invalid JSON body"
	msgPersistFailed   = "Failed to persist position report"
	msgDuplicateReport = "Position report already exists"
)

// ingestionError carries the structured HTTP error shape from a helper back to the handler.
type ingestionError struct {
	statusCode int
	errorType  string
	message    string
	details    interface{}
}

func (e *ingestionError) Error() string {
	return e.message
}

// IngestHandler handles POST /v1/positions.
func (s *Service) IngestHandler(c *gin.Context) {
	report, payloadSize, err := s.parseReport(c)
	if err != nil {
		writeError(c, err)
		return
	}

	if err := validateReport(report); err != nil {
		writeError(c, err)
		return
	}

	slog.Info("[Ingestion] Received position",
		"document_id", report.ID,
		"owner", report.Owner,
		"geohash_len", len(report.Geohash),
		"payload_size", payloadSize)

	rev, err := s.persistReport(c.Request.Context(), report)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"status": "accepted",
		"id":     report.ID,
		"rev":    rev,
	})
}

// parseReport reads the size-limited body and binds it into a PositionReport.
// Missing id and date are filled in.
func (s *Service) parseReport(c *gin.Context) (*v1.PositionReport, int, *ingestionError) {
	maxBytes := int64(s.maxBodySizeBytes)
	limitedBody := io.LimitReader(c.Request.Body, maxBytes+1) // +1 to detect oversized requests

	bodyBytes, err := io.ReadAll(limitedBody)
	if err != nil {
		slog.Error("[Ingestion] Failed to read request body", "error", err)
		return nil, 0, &ingestionError{
			statusCode: http.StatusInternalServerError,
			errorType:  httperr.HttpInternalError,
			message:    msgReadBodyFailed,
		}
	}

	if int64(len(bodyBytes)) > maxBytes {
		slog.Warn("[Ingestion] Request body exceeds maximum size", "size", len(bodyBytes), "max", maxBytes)
		return nil, len(bodyBytes), &ingestionError{
			statusCode: http.StatusRequestEntityTooLarge,
			errorType:  httperr.HttpInvalidJsonError,
			message:    "Request body exceeds maximum allowed size",
			details: map[string]interface{}{
				"max_size_mb": maxBytes / (1024 * 1024),
			},
		}
	}

	c.Request.Body = io.NopCloser(bytes.NewReader(bodyBytes))

	var report v1.PositionReport
	if err := c.ShouldBindJSON(&report); err != nil {
		slog.Warn("[Ingestion] Invalid JSON body received", "error", err, "payload_size", len(bodyBytes))
		return nil, len(bodyBytes), &ingestionError{
			statusCode: http.StatusBadRequest,
			errorType:  httperr.HttpInvalidJsonError,
			message:    msgInvalidJSON,
		}
	}

	if report.Date.IsZero() {
		report.Date = s.now()
	}
	if report.ID == "" && report.Owner != "" {
		report.ID = report.Owner + "/" + v1.TypeGeoPosition + "/" + uuid.NewString()
	}
	return &report, len(bodyBytes), nil
}

func validateReport(report *v1.PositionReport) *ingestionError {
	if err := report.Validate(); err != nil {
		slog.Warn("[Ingestion] Position validation failed", "error", err, "document_id", report.ID)
		return &ingestionError{
			statusCode: http.StatusBadRequest,
			errorType:  httperr.HttpValidationError,
			message:    err.Error(),
		}
	}
	return nil
}

// persistReport creates the report document. Reports are immutable, so an
// existing id is a duplicate.
func (s *Service) persistReport(ctx context.Context, report *v1.PositionReport) (string, *ingestionError) {
	body, err := json.Marshal(report)
	if err != nil {
		slog.Error("[Ingestion] Failed to encode report", "error", err, "document_id", report.ID)
		return "", &ingestionError{
			statusCode: http.StatusInternalServerError,
			errorType:  httperr.HttpInternalError,
			message:    msgPersistFailed,
		}
	}

	rev, err := s.store.Put(ctx, storage.Document{
		ID:   report.ID,
		Type: v1.TypeGeoPosition,
		Body: body,
	})
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			slog.Info("[Ingestion] Duplicate report rejected", "document_id", report.ID, "owner", report.Owner)
			return "", &ingestionError{
				statusCode: http.StatusConflict,
				errorType:  httperr.HttpDuplicateDocumentError,
				message:    msgDuplicateReport,
			}
		}

		slog.Error("[Ingestion] Failed to persist report", "error", err, "document_id", report.ID)
		return "", &ingestionError{
			statusCode: http.StatusInternalServerError,
			errorType:  httperr.HttpInternalError,
			message:    msgPersistFailed,
		}
	}
	return rev, nil
}

// writeError serializes an ingestionError as the JSON HTTP response.
func writeError(c *gin.Context, err *ingestionError) {
	c.JSON(err.statusCode, httperr.ErrorResponse{
		ErrorType: err.errorType,
		Message:   err.message,
		Details:   err.details,
	})
}
