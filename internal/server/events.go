package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"

	"custody/internal/custody"
	"custody/internal/telemetry"
)

// DefaultEvidenceMIMETypes are the photo formats accepted as evidence.
var DefaultEvidenceMIMETypes = []string{"image/jpeg", "image/png", "image/webp", "image/heic"}

type checkpointForm struct {
	CheckpointType string   `form:"checkpoint_type" binding:"required"`
	Latitude       *float64 `form:"latitude" binding:"required"`
	Longitude      *float64 `form:"longitude" binding:"required"`
}

var (
	errEvidenceTooLarge = errors.New("evidence exceeds size limit")
	errRateLimited      = errors.New("too many checkpoint submissions")
)

// handleRecordEvent accepts a multipart checkpoint submission. Every refusal,
// including those raised here before the recorder runs, is audited.
func (s *Server) handleRecordEvent(c *gin.Context) {
	taskID, ok := parseID(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	sub := custody.Submission{
		TaskID:    taskID,
		CourierID: principalFrom(c).ID,
		IPAddress: c.ClientIP(),
	}

	if s.limiter != nil {
		allowed, err := s.limiter.Allow(ctx, sub.CourierID)
		if err != nil {
			s.logger.Warn("rate limiter unavailable", slog.String("error", err.Error()))
		} else if !allowed {
			telemetry.RateLimited.Inc()
			s.respondRejection(c, s.recorder.Deny(ctx, sub, custody.KindRateLimited, errRateLimited))
			return
		}
	}

	if _, err := s.recorder.Authorize(ctx, sub); err != nil {
		s.respondRejection(c, err)
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.maxEvidenceBytes+(1<<20))

	var form checkpointForm
	if err := c.ShouldBind(&form); err != nil {
		sub.Checkpoint = form.CheckpointType
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.respondRejection(c, s.recorder.Deny(ctx, sub, custody.KindEvidenceTooLarge, errEvidenceTooLarge))
			return
		}
		s.respondRejection(c, s.recorder.Deny(ctx, sub, custody.KindInvalidRequest, err))
		return
	}
	sub.Checkpoint = form.CheckpointType
	sub.Latitude = *form.Latitude
	sub.Longitude = *form.Longitude

	data, mimeType, err := s.readEvidence(c)
	switch {
	case errors.Is(err, errEvidenceTooLarge):
		s.respondRejection(c, s.recorder.Deny(ctx, sub, custody.KindEvidenceTooLarge, err))
		return
	case errors.Is(err, errUnsupportedEvidence):
		s.respondRejection(c, s.recorder.Deny(ctx, sub, custody.KindUnsupportedEvidence, err))
		return
	case err != nil:
		s.respondRejection(c, s.recorder.Deny(ctx, sub, custody.KindInvalidRequest, err))
		return
	}
	sub.Evidence = data
	sub.ContentType = mimeType

	ev, err := s.recorder.RecordCheckpoint(ctx, sub)
	if err != nil {
		s.respondRejection(c, err)
		return
	}
	respondSuccess(c, http.StatusCreated, gin.H{"event": ev})
}

var errUnsupportedEvidence = errors.New("unsupported evidence type")

// readEvidence returns the uploaded photo and its sniffed content type. A
// missing file yields no data so the recorder can reject and audit it.
func (s *Server) readEvidence(c *gin.Context) ([]byte, string, error) {
	header, err := c.FormFile("evidence")
	if errors.Is(err, http.ErrMissingFile) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("read evidence: %w", err)
	}
	if header.Size > s.maxEvidenceBytes {
		return nil, "", errEvidenceTooLarge
	}
	if header.Size == 0 {
		return nil, "", nil
	}

	f, err := header.Open()
	if err != nil {
		return nil, "", fmt.Errorf("open evidence: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, s.maxEvidenceBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read evidence: %w", err)
	}
	if int64(len(data)) > s.maxEvidenceBytes {
		return nil, "", errEvidenceTooLarge
	}

	detected := mimetype.Detect(data)
	for _, allowed := range s.evidenceTypes {
		if detected.Is(allowed) {
			return data, allowed, nil
		}
	}
	return nil, "", fmt.Errorf("%w: %s", errUnsupportedEvidence, detected.String())
}
