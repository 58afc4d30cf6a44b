package jobs

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/tech-arch1tect/berth-unpack/internal/archive"
	"github.com/tech-arch1tect/berth-unpack/internal/common"
	"github.com/tech-arch1tect/berth-unpack/internal/logging"
)

type Handler struct {
	manager  *Manager
	workRoot string
}

func NewHandler(manager *Manager, workRoot string) *Handler {
	return &Handler{
		manager:  manager,
		workRoot: workRoot,
	}
}

func (h *Handler) StartExtract(c echo.Context) error {
	var req ExtractRequest
	if err := c.Bind(&req); err != nil {
		return common.SendBadRequest(c, "Invalid request format")
	}

	format, err := archive.ParseFormat(req.Format)
	if err != nil {
		return common.SendBadRequest(c, "Invalid format: "+err.Error())
	}
	archivePath, destination, err := h.resolve(req.Archive, req.Destination)
	if err != nil {
		return common.SendBadRequest(c, err.Error())
	}

	c.Set(logging.JobArchiveContextKey, archivePath)
	c.Set(logging.JobDestinationContextKey, destination)
	c.Set(logging.JobFormatContextKey, format.String())

	job, err := h.manager.StartExtract(archivePath, destination, format)
	if err != nil {
		return h.startError(c, err)
	}
	c.Set(logging.JobIDContextKey, job.ID)
	return common.SendAccepted(c, StartResponse{JobID: job.ID})
}

func (h *Handler) StartUnpack(c echo.Context) error {
	var req UnpackRequest
	if err := c.Bind(&req); err != nil {
		return common.SendBadRequest(c, "Invalid request format")
	}

	archivePath, destination, err := h.resolve(req.Archive, req.Destination)
	if err != nil {
		return common.SendBadRequest(c, err.Error())
	}

	c.Set(logging.JobArchiveContextKey, archivePath)
	c.Set(logging.JobDestinationContextKey, destination)

	job, err := h.manager.StartUnpack(archivePath, destination)
	if err != nil {
		return h.startError(c, err)
	}
	c.Set(logging.JobIDContextKey, job.ID)
	return common.SendAccepted(c, StartResponse{JobID: job.ID})
}

func (h *Handler) ListJobs(c echo.Context) error {
	return common.SendSuccess(c, h.manager.List())
}

func (h *Handler) GetJob(c echo.Context) error {
	job, err := h.lookup(c)
	if err != nil {
		return err
	}
	if job == nil {
		return nil
	}
	return common.SendSuccess(c, job.Snapshot())
}

func (h *Handler) CancelJob(c echo.Context) error {
	job, err := h.lookup(c)
	if err != nil || job == nil {
		return err
	}
	job.Cancel()
	return common.SendMessage(c, "Job cancellation requested")
}

func (h *Handler) StreamJob(c echo.Context) error {
	job, err := h.lookup(c)
	if err != nil || job == nil {
		return err
	}

	c.Response().Header().Set("Content-Type", "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Connection", "keep-alive")
	c.Response().Header().Del("Content-Length")
	c.Response().WriteHeader(http.StatusOK)

	if flusher, ok := c.Response().Writer.(http.Flusher); ok {
		flusher.Flush()
	}

	return h.manager.Stream(c.Request().Context(), job.ID, c.Response().Writer)
}

// lookup returns a nil job after it has already written an error response.
func (h *Handler) lookup(c echo.Context) (*Job, error) {
	id := c.Param("jobId")
	if id == "" {
		return nil, common.SendBadRequest(c, "Job ID is required")
	}
	if err := validateJobID(id); err != nil {
		return nil, common.SendBadRequest(c, "Invalid job ID format")
	}
	c.Set(logging.JobIDContextKey, id)

	job, ok := h.manager.Get(id)
	if !ok {
		return nil, common.SendNotFound(c, "Job not found")
	}
	return job, nil
}

func (h *Handler) resolve(archivePath, destination string) (string, string, error) {
	src, err := ResolvePath(h.workRoot, archivePath)
	if err != nil {
		return "", "", errors.New("Invalid archive path: " + err.Error())
	}
	dst, err := ResolvePath(h.workRoot, destination)
	if err != nil {
		return "", "", errors.New("Invalid destination path: " + err.Error())
	}
	return src, dst, nil
}

func (h *Handler) startError(c echo.Context, err error) error {
	if errors.Is(err, ErrDestinationBusy) {
		return common.SendConflict(c, err.Error())
	}
	return common.SendInternalError(c, err.Error())
}
