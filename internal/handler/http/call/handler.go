// Package call exposes the call agent's local control surface: the call view
// mounts, unmounts and drives one consultation call per appointment.
package call

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"telecare-backend/internal/domain"
	"telecare-backend/internal/service/call"
	"telecare-backend/internal/service/device"
	"telecare-backend/internal/service/permission"
	"telecare-backend/pkg/response"
)

// Handler handles call view requests
type Handler struct {
	calls   *call.Service
	source  device.Source
	timeout time.Duration
}

// NewHandler creates a new call view handler. Operations outlive the HTTP
// request that started them, bounded by timeout.
func NewHandler(calls *call.Service, source device.Source, timeout time.Duration) *Handler {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Handler{
		calls:   calls,
		source:  source,
		timeout: timeout,
	}
}

// RegisterRoutes mounts the control routes on r
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.GET("/v1/devices", h.ListDevices)

	g := r.Group("/v1/consultations/:appointmentId")
	g.GET("", h.GetCall)
	g.POST("/activate", h.Activate)
	g.POST("/deactivate", h.Deactivate)
	g.POST("/leave", h.Leave)
	g.POST("/end", h.EndCall)
	g.POST("/retry", h.Retry)
	g.POST("/camera", h.toggle((*call.Controller).ToggleCamera))
	g.POST("/microphone", h.toggle((*call.Controller).ToggleMicrophone))
	g.POST("/screen", h.toggle((*call.Controller).ToggleScreenShare))
	g.POST("/selftest", h.SelfTest)
}

// GetCall returns the call view state: lifecycle state, error view with
// guidance, media state and reconciled participants
// GET /v1/consultations/:appointmentId
func (h *Handler) GetCall(c *gin.Context) {
	ctrl, ok := h.calls.Lookup(c.Param("appointmentId"))
	if !ok {
		response.NotFound(c, "Call view not found")
		return
	}
	response.Success(c, http.StatusOK, ctrl.Snapshot())
}

// Activate mounts the call view and joins the call
// POST /v1/consultations/:appointmentId/activate
func (h *Handler) Activate(c *gin.Context) {
	h.run(c, (*call.Controller).Activate)
}

// Deactivate unmounts the call view
// POST /v1/consultations/:appointmentId/deactivate
func (h *Handler) Deactivate(c *gin.Context) {
	h.run(c, (*call.Controller).Deactivate)
}

// Leave leaves the call, keeping the view mounted
// POST /v1/consultations/:appointmentId/leave
func (h *Handler) Leave(c *gin.Context) {
	h.run(c, (*call.Controller).Leave)
}

// EndCall leaves and disconnects
// POST /v1/consultations/:appointmentId/end
func (h *Handler) EndCall(c *gin.Context) {
	h.run(c, (*call.Controller).EndCall)
}

// Retry is the reload action of the permission-recovery view
// POST /v1/consultations/:appointmentId/retry
func (h *Handler) Retry(c *gin.Context) {
	h.run(c, (*call.Controller).Retry)
}

// SelfTest acquires and releases camera and microphone and reports a
// classified result per device
// POST /v1/consultations/:appointmentId/selftest
func (h *Handler) SelfTest(c *gin.Context) {
	ctx, cancel := h.context(c)
	defer cancel()

	results := permission.SelfTest(ctx, h.source)
	response.Success(c, http.StatusOK, gin.H{
		"appointment_id": c.Param("appointmentId"),
		"results":        results,
	})
}

// ListDevices returns the capture devices the agent can see
// GET /v1/devices
func (h *Handler) ListDevices(c *gin.Context) {
	devices := []device.Info{}
	if lister, ok := h.source.(interface{ Devices() []device.Info }); ok {
		devices = append(devices, lister.Devices()...)
	}
	response.Success(c, http.StatusOK, gin.H{"devices": devices})
}

func (h *Handler) toggle(op func(*call.Controller, context.Context) (domain.MediaState, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctrl, ok := h.calls.Lookup(c.Param("appointmentId"))
		if !ok {
			response.NotFound(c, "Call view not found")
			return
		}

		ctx, cancel := h.context(c)
		defer cancel()

		media, err := op(ctrl, ctx)
		if err != nil {
			response.AppError(c, err)
			return
		}
		response.Success(c, http.StatusOK, gin.H{"media": media})
	}
}

// run applies a lifecycle operation and answers with the resulting view
// state. A failed operation answers with its error; the view state still
// carries the error view.
func (h *Handler) run(c *gin.Context, op func(*call.Controller, context.Context) error) {
	ctrl, err := h.calls.Controller(c.Param("appointmentId"))
	if err != nil {
		response.AppError(c, err)
		return
	}

	ctx, cancel := h.context(c)
	defer cancel()

	if err := op(ctrl, ctx); err != nil {
		response.AppError(c, err)
		return
	}
	response.Success(c, http.StatusOK, ctrl.Snapshot())
}

func (h *Handler) context(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(c.Request.Context()), h.timeout)
}
