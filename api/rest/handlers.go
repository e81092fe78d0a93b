package rest

import (
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"yqhp/dispatch-engine/internal/dispatch"
	"yqhp/dispatch-engine/pkg/types"
)

// healthCheck handles GET /health
func (s *Server) healthCheck(c *fiber.Ctx) error {
	return c.JSON(HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().Format(time.RFC3339),
	})
}

// readyCheck handles GET /ready
func (s *Server) readyCheck(c *fiber.Ctx) error {
	ready := s.ctl != nil
	status := "ready"
	if !ready {
		status = "not_ready"
	}

	return c.JSON(ReadyResponse{
		Ready:     ready,
		Status:    status,
		Timestamp: time.Now().Format(time.RFC3339),
	})
}

// submitJob handles POST /api/v1/jobs
func (s *Server) submitJob(c *fiber.Ctx) error {
	var req SubmitJobRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "invalid_request",
			Message: "Failed to parse request body: " + err.Error(),
		})
	}

	if req.Fun == "" {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "invalid_request",
			Message: "'fun' is required",
		})
	}

	target := types.AllMinions()
	if req.Target != nil {
		target = *req.Target
	}

	var deadline time.Duration
	if req.Deadline != "" {
		d, err := time.ParseDuration(req.Deadline)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
				Error:   "invalid_request",
				Message: "Invalid deadline: " + err.Error(),
			})
		}
		deadline = d
	}

	rec, err := s.ctl.Submit(c.UserContext(), dispatch.Submission{
		Fun:      req.Fun,
		Args:     req.Args,
		Kwargs:   req.Kwargs,
		Target:   target,
		Deadline: deadline,
	})
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Error:   "submission_failed",
			Message: "Failed to submit job: " + err.Error(),
		})
	}

	if req.Wait {
		report, err := s.ctl.Wait(c.UserContext(), rec.JobID)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
				Error:   "wait_failed",
				Message: "Job " + rec.JobID + " submitted but waiting failed: " + err.Error(),
			})
		}
		return c.Status(fiber.StatusCreated).JSON(report)
	}

	return c.Status(fiber.StatusCreated).JSON(JobSubmittedResponse{
		JID:     rec.JobID,
		Status:  string(rec.Status),
		Minions: rec.Minions,
	})
}

// getJob handles GET /api/v1/jobs/:jid
func (s *Server) getJob(c *fiber.Ctx) error {
	jid := c.Params("jid")
	if jid == "" {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "invalid_request",
			Message: "Job ID is required",
		})
	}

	report, err := s.ctl.Query(c.UserContext(), jid)
	if err != nil {
		if errors.Is(err, types.ErrUnknownJob) {
			return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{
				Error:   "not_found",
				Message: "Job not found: " + jid,
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Error:   "query_failed",
			Message: "Failed to query job: " + err.Error(),
		})
	}

	return c.JSON(report)
}

// listJobs handles GET /api/v1/jobs
func (s *Server) listJobs(c *fiber.Ctx) error {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
				Error:   "invalid_request",
				Message: "Invalid limit: " + raw,
			})
		}
		limit = n
	}

	jobs, err := s.ctl.ListJobs(c.UserContext(), limit)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Error:   "query_failed",
			Message: "Failed to list jobs: " + err.Error(),
		})
	}

	return c.JSON(ListJobsResponse{Jobs: jobs, Count: len(jobs)})
}

// listMinions handles GET /api/v1/minions
func (s *Server) listMinions(c *fiber.Ctx) error {
	infos := s.ctl.Minions()

	views := make([]*MinionView, 0, len(infos))
	for _, info := range infos {
		view := &MinionView{MinionInfo: info}
		if status, err := s.ctl.MinionStatus(info.ID); err == nil {
			view.State = string(status.State)
			view.LastSeen = status.LastSeen
		}
		views = append(views, view)
	}

	return c.JSON(MinionsResponse{Minions: views, Count: len(views)})
}

// getMinion handles GET /api/v1/minions/:id
func (s *Server) getMinion(c *fiber.Ctx) error {
	id := c.Params("id")

	for _, info := range s.ctl.Minions() {
		if info.ID != id {
			continue
		}
		view := &MinionView{MinionInfo: info}
		if status, err := s.ctl.MinionStatus(id); err == nil {
			view.State = string(status.State)
			view.LastSeen = status.LastSeen
		}
		return c.JSON(view)
	}

	return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{
		Error:   "not_found",
		Message: "Minion not found: " + id,
	})
}

// pingStatus handles GET /api/v1/minions/status: probe the fleet with
// test.ping and answer with the up/down split.
func (s *Server) pingStatus(c *fiber.Ctx) error {
	deadline := 10 * time.Second
	if raw := c.Query("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
				Error:   "invalid_request",
				Message: "Invalid timeout: " + raw,
			})
		}
		deadline = d
	}

	up, down, err := s.ctl.PingStatus(c.UserContext(), deadline)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Error:   "ping_failed",
			Message: "Fleet probe failed: " + err.Error(),
		})
	}

	return c.JSON(PingStatusResponse{Up: up, Down: down})
}

// publishEvent handles POST /api/v1/events: external fire-event producers
// inject custom events onto the master bus through this endpoint.
func (s *Server) publishEvent(c *fiber.Ctx) error {
	var req PublishEventRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "invalid_request",
			Message: "Failed to parse request body: " + err.Error(),
		})
	}

	if req.Tag == "" {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "invalid_request",
			Message: "'tag' is required",
		})
	}

	if err := s.ctl.PublishEvent(req.Tag, req.Data); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Error:   "publish_failed",
			Message: "Failed to publish event: " + err.Error(),
		})
	}

	return c.Status(fiber.StatusCreated).JSON(PublishEventResponse{
		Published: true,
		Tag:       req.Tag,
	})
}
