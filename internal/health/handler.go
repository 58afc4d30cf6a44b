package health

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/tech-arch1tect/berth-unpack/internal/jobs"
)

// Archiver reports whether the external fallback archiver can be used.
type Archiver interface {
	Available() bool
}

type Handler struct {
	archiver Archiver
	manager  *jobs.Manager
}

type Response struct {
	Status            string `json:"status"`
	ArchiverAvailable bool   `json:"archiverAvailable"`
	RunningJobs       int    `json:"runningJobs"`
	TotalJobs         int    `json:"totalJobs"`
}

func NewHandler(archiver Archiver, manager *jobs.Manager) *Handler {
	return &Handler{archiver: archiver, manager: manager}
}

func (h *Handler) Health(c echo.Context) error {
	resp := Response{Status: "healthy"}
	if h.archiver != nil {
		resp.ArchiverAvailable = h.archiver.Available()
	}
	if h.manager != nil {
		for _, snap := range h.manager.List() {
			resp.TotalJobs++
			if snap.Status == jobs.StatusRunning {
				resp.RunningJobs++
			}
		}
	}
	return c.JSON(http.StatusOK, resp)
}
