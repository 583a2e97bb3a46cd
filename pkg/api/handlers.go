package api

import (
	"fmt"
	"time"

	"github.com/Abraxas-365/qorch/pkg/errx"
	"github.com/Abraxas-365/qorch/pkg/jobx"
	"github.com/Abraxas-365/qorch/pkg/kernel"
	"github.com/Abraxas-365/qorch/pkg/service"
	"github.com/gofiber/fiber/v2"
)

type submitJobRequest struct {
	BackendTarget  string   `json:"backend_target"`
	CircuitPayload string   `json:"circuit_payload"`
	Shots          int      `json:"shots"`
	Priority       string   `json:"priority"`
	DependsOn      []string `json:"depends_on"`
	After          []int    `json:"after"`
}

func (r submitJobRequest) toService() (service.SubmitRequest, error) {
	priority, ok := jobx.ParsePriority(r.Priority)
	if !ok {
		return service.SubmitRequest{}, badRequest("unknown priority " + r.Priority)
	}
	var deps []kernel.JobID
	for _, id := range r.DependsOn {
		deps = append(deps, kernel.JobID(id))
	}
	return service.SubmitRequest{
		BackendTarget: r.BackendTarget,
		Payload:       []byte(r.CircuitPayload),
		Shots:         r.Shots,
		Priority:      priority,
		DependsOn:     deps,
		After:         r.After,
	}, nil
}

type submitBatchRequest struct {
	Jobs []submitJobRequest `json:"jobs"`
}

type batchItemResponse struct {
	JobID kernel.JobID            `json:"job_id,omitempty"`
	State jobx.State              `json:"state,omitempty"`
	Error *errx.HTTPErrorResponse `json:"error,omitempty"`
}

type jobResponse struct {
	ID            kernel.JobID    `json:"id"`
	Owner         kernel.ClientID `json:"owner"`
	BackendTarget string          `json:"backend_target"`
	Shots         int             `json:"shots"`
	Priority      string          `json:"priority"`
	State         jobx.State      `json:"state"`
	Result        *jobx.Outcome   `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
	Attempts      int             `json:"attempts"`
	DependsOn     []kernel.JobID  `json:"depends_on,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

func toResponse(j *jobx.Job) jobResponse {
	return jobResponse{
		ID:            j.ID,
		Owner:         j.Owner,
		BackendTarget: j.BackendTarget,
		Shots:         j.Shots,
		Priority:      j.Priority.String(),
		State:         j.State,
		Result:        j.Result,
		Error:         j.Error,
		Attempts:      j.Attempts,
		DependsOn:     j.DependsOn,
		CreatedAt:     j.CreatedAt,
		StartedAt:     j.StartedAt,
		CompletedAt:   j.CompletedAt,
	}
}

type JobHandlers struct {
	jobs *service.JobService
}

func NewJobHandlers(jobs *service.JobService) *JobHandlers {
	return &JobHandlers{jobs: jobs}
}

// RegisterRoutes mounts /api/v1/jobs behind auth.
func (h *JobHandlers) RegisterRoutes(router fiber.Router, auth fiber.Handler) {
	jobs := router.Group("/api/v1/jobs", auth)
	jobs.Post("/", h.Submit)
	jobs.Post("/batch", h.SubmitBatch)
	jobs.Get("/:id", h.Get)
	jobs.Delete("/:id", h.Cancel)
}

func (h *JobHandlers) Submit(c *fiber.Ctx) error {
	var req submitJobRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(err.Error())
	}

	sreq, err := req.toService()
	if err != nil {
		return err
	}

	sub, err := h.jobs.Submit(c.UserContext(), sreq)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"job_id": sub.JobID,
		"state":  sub.State,
	})
}

// SubmitBatch answers 202 with one entry per job, in request order. Entries
// for rejected jobs carry the error instead of a job id.
func (h *JobHandlers) SubmitBatch(c *fiber.Ctx) error {
	var req submitBatchRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(err.Error())
	}

	reqs := make([]service.SubmitRequest, 0, len(req.Jobs))
	for i, j := range req.Jobs {
		sreq, err := j.toService()
		if err != nil {
			return badRequest(fmt.Sprintf("job %d: %v", i, err))
		}
		reqs = append(reqs, sreq)
	}

	subs, err := h.jobs.SubmitBatch(c.UserContext(), reqs)
	if err != nil {
		return err
	}

	items := make([]batchItemResponse, 0, len(subs))
	for _, sub := range subs {
		item := batchItemResponse{JobID: sub.JobID, State: sub.State}
		if sub.Err != nil {
			item.Error = errorBody(sub.Err)
		}
		items = append(items, item)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"jobs": items})
}

func (h *JobHandlers) Get(c *fiber.Ctx) error {
	job, err := h.jobs.GetStatus(c.UserContext(), kernel.JobID(c.Params("id")))
	if err != nil {
		return err
	}
	return c.JSON(toResponse(job))
}

func (h *JobHandlers) Cancel(c *fiber.Ctx) error {
	id := kernel.JobID(c.Params("id"))
	ok, err := h.jobs.Cancel(c.UserContext(), id)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"job_id":   id,
		"canceled": ok,
	})
}
