package api

import (
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// JobHandler runs maintenance jobs on demand.
type JobHandler struct {
	jobs   JobRunner
	logger *zap.Logger
}

func NewJobHandler(jobs JobRunner, logger *zap.Logger) *JobHandler {
	return &JobHandler{jobs: jobs, logger: logger}
}

// Handle routes job API requests.
// POST /api/jobs
func (h *JobHandler) Handle(c echo.Context) error {
	action, body, err := parseBodyAction(c)
	if err != nil {
		return errorResponse(c, "Invalid request body")
	}

	switch action {
	case "jobs":
		return successResponse(c, "Successful", h.jobs.Names())
	case "run":
		name := getStringField(body, "name")
		if name == "" {
			return errorResponse(c, "name is required")
		}
		if err := h.jobs.Run(name); err != nil {
			h.logger.Warn("Job run failed", zap.String("job", name), zap.Error(err))
			return codedResponse(c, CodeInternal, err.Error())
		}
		return successResponse(c, "Job finished", map[string]string{"job": name})
	default:
		return errorResponse(c, "Unknown action: "+action)
	}
}
