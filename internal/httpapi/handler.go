package httpapi

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/rtavytran/fusesell/pkg/errutil"
	"github.com/rtavytran/fusesell/pkg/health"
	"github.com/rtavytran/fusesell/pkg/middleware"
	"github.com/rtavytran/fusesell/services/orchestrator"
	"github.com/rtavytran/fusesell/services/scheduler"
	"github.com/rtavytran/fusesell/services/task"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"gorm.io/datatypes"
)

var Module = fx.Module("httpapi",
	fx.Provide(NewAPI),
	fx.Provide(ProvideRouter),
)

type API struct {
	store        *task.Store
	orchestrator *orchestrator.Service
	scheduler    *scheduler.Service
}

type Params struct {
	fx.In

	Store        *task.Store
	Orchestrator *orchestrator.Service
	Scheduler    *scheduler.Service
}

func NewAPI(p Params) *API {
	return &API{
		store:        p.Store,
		orchestrator: p.Orchestrator,
		scheduler:    p.Scheduler,
	}
}

// ProvideRouter wires the gin engine used by the HTTP server.
func ProvideRouter(api *API, healthSvc health.HealthService) http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.Error())

	r.GET("/livez", healthSvc.Liveness)
	r.GET("/readyz", healthSvc.Readiness)

	v1 := r.Group("/v1")
	{
		v1.POST("/tasks", api.CreateTask)
		v1.GET("/tasks/:task_id", api.GetTask)
		v1.POST("/tasks/:task_id/advance", api.AdvanceTask)
		v1.GET("/tasks/:task_id/events", api.ListTaskEvents)
	}

	return r
}

type createTaskRequest struct {
	OrgID     string         `json:"org_id" binding:"required"`
	PlanID    string         `json:"plan_id"`
	TeamID    string         `json:"team_id"`
	Request   map[string]any `json:"request"`
	AutoStart bool           `json:"auto_start"`
}

func (a *API) CreateTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.ValidationFailed("invalid request body", errutil.WithErr(err)))
		return
	}

	var body datatypes.JSON
	if req.Request != nil {
		raw, _ := json.Marshal(req.Request)
		body = raw
	}

	t := &task.Task{
		OrgID:       req.OrgID,
		PlanID:      req.PlanID,
		TeamID:      req.TeamID,
		RequestBody: body,
	}
	if err := a.store.CreateTask(c.Request.Context(), t); err != nil {
		c.Error(err)
		return
	}

	if req.AutoStart {
		res, err := a.orchestrator.Advance(c.Request.Context(), t.ID, nil)
		if err != nil {
			c.Error(err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"task": t, "result": res})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"task": t})
}

func (a *API) GetTask(c *gin.Context) {
	t, err := a.orchestrator.GetState(c.Request.Context(), c.Param("task_id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// AdvanceTask accepts an optional action body. An empty body advances
// automatic stages only.
func (a *API) AdvanceTask(c *gin.Context) {
	var action *orchestrator.ActionRequest

	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.Error(errutil.BadRequest("failed to read request body"))
		return
	}
	if len(raw) > 0 {
		var req orchestrator.ActionRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			c.Error(errutil.ValidationFailed("invalid action body", errutil.WithErr(err)))
			return
		}
		if req.Action != "" {
			action = &req
		}
	}

	res, err := a.orchestrator.Advance(c.Request.Context(), c.Param("task_id"), action)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (a *API) ListTaskEvents(c *gin.Context) {
	taskID := c.Param("task_id")
	if _, err := a.store.GetTaskWithOperations(c.Request.Context(), taskID); err != nil {
		c.Error(err)
		return
	}

	events, err := a.scheduler.ListByTask(c.Request.Context(), taskID)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}
