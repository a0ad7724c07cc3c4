package handler

import (
	"context"
	"encoding/json"
	"log"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/devildev/api/internal/middleware"
	"github.com/devildev/api/internal/model"
	"github.com/devildev/api/internal/service"
	ws "github.com/devildev/api/internal/websocket"
	"github.com/devildev/api/pkg/response"
)

// JobSocketHandler streams job events over /ws/jobs/:jobId
type JobSocketHandler struct {
	service *service.GenerationService
	hub     *ws.Hub
}

func NewJobSocketHandler(svc *service.GenerationService, hub *ws.Hub) *JobSocketHandler {
	return &JobSocketHandler{service: svc, hub: hub}
}

// Authorize runs before the upgrade; only the job owner may subscribe
func (h *JobSocketHandler) Authorize(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	jobID := c.Params("jobId")
	if !h.service.Owns(c.Context(), middleware.GetUserID(c), jobID) {
		return response.NotFound(c, "Job not found")
	}
	c.Locals("jobId", jobID)
	return c.Next()
}

// Serve sends the current state, then relays hub events
func (h *JobSocketHandler) Serve() fiber.Handler {
	return websocket.New(func(c *websocket.Conn) {
		jobID, _ := c.Locals("jobId").(string)
		userID, _ := c.Locals("userId").(string)
		h.hub.HandleConnection(c, jobID, h.snapshot(userID, jobID))
	})
}

func (h *JobSocketHandler) snapshot(userID, jobID string) []byte {
	st, err := h.service.Status(context.Background(), userID, jobID)
	if err != nil {
		log.Printf("job %s: status for socket: %v", jobID, err)
		return nil
	}

	var msg interface{}
	switch {
	case st.Completed:
		msg = model.WSCompleteMessage{Type: model.WSMessageTypeComplete, JobID: jobID, Result: st.Result}
	case st.Failed && st.Error != nil:
		msg = model.WSErrorMessage{Type: model.WSMessageTypeError, JobID: jobID, Error: model.WSError{
			Code: string(st.Error.Kind), Step: st.Error.Step, Message: st.Error.Reason,
		}}
	default:
		msg = model.WSProgressMessage{Type: model.WSMessageTypeProgress, JobID: jobID, Status: st.Status, CurrentStep: st.CurrentStep}
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil
	}
	return data
}
