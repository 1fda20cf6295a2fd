package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rtavytran/fusesell/pkg/config"
	"github.com/rtavytran/fusesell/pkg/health"
	"github.com/rtavytran/fusesell/services/orchestrator"
	"github.com/rtavytran/fusesell/services/scheduler"
	"github.com/rtavytran/fusesell/services/stages"
	"github.com/rtavytran/fusesell/services/task"
	"github.com/rtavytran/fusesell/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()

	db := testutil.NewTestDB(t,
		&task.Task{}, &task.Operation{},
		&scheduler.ScheduledEvent{}, &scheduler.SchedulingRule{},
	)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Pipeline.MaxOperations = 10
	cfg.Pipeline.StaleAfter = 30 * time.Minute

	store := task.NewStore(task.StoreParams{DB: db, Node: node, Config: cfg})
	sched := scheduler.NewService(scheduler.Params{DB: db, Node: node})

	content := stages.NewLocal()
	orch := orchestrator.NewService(orchestrator.Params{
		Store:     store,
		Scheduler: sched,
		Config:    cfg,
		Handlers: []orchestrator.Handler{
			stages.NewAcquisition(content),
			stages.NewPreparation(content),
			stages.NewScoring(content),
			stages.NewOutreach(content),
			stages.NewFollowUp(content),
		},
	})

	api := NewAPI(Params{Store: store, Orchestrator: orch, Scheduler: sched})
	healthSvc := health.ProvideHealth(health.HealthParams{DB: db})
	return ProvideRouter(api, healthSvc)
}

func doJSON(t *testing.T, router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestCreateTask(t *testing.T) {
	router := newTestRouter(t)

	w := doJSON(t, router, http.MethodPost, "/v1/tasks",
		`{"org_id":"org-1","request":{"target_url":"https://acme.io"}}`)
	require.Equal(t, http.StatusCreated, w.Code)

	var resp struct {
		Task task.Task `json:"task"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Task.ID)
	require.Equal(t, task.StatusDraft, resp.Task.Status)
}

func TestCreateTask_MissingOrg(t *testing.T) {
	router := newTestRouter(t)

	w := doJSON(t, router, http.MethodPost, "/v1/tasks", `{"request":{}}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateTask_AutoStartRunsPipeline(t *testing.T) {
	router := newTestRouter(t)

	w := doJSON(t, router, http.MethodPost, "/v1/tasks",
		`{"org_id":"org-1","auto_start":true,"request":{"target_url":"https://acme.io"}}`)
	require.Equal(t, http.StatusCreated, w.Code)

	var resp struct {
		Task   task.Task                  `json:"task"`
		Result orchestrator.AdvanceResult `json:"result"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, task.StatusWaitingHuman, resp.Result.TaskStatus)
	require.Len(t, resp.Result.NewOperations, 3)
}

func TestAdvanceTask_FullFlow(t *testing.T) {
	router := newTestRouter(t)

	w := doJSON(t, router, http.MethodPost, "/v1/tasks",
		`{"org_id":"org-1","request":{"target_url":"https://acme.io"}}`)
	require.Equal(t, http.StatusCreated, w.Code)

	var created struct {
		Task task.Task `json:"task"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	id := created.Task.ID

	// Automatic stages up to the outreach gate.
	w = doJSON(t, router, http.MethodPost, "/v1/tasks/"+id+"/advance", "")
	require.Equal(t, http.StatusOK, w.Code)

	var res orchestrator.AdvanceResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	require.Equal(t, task.StatusWaitingHuman, res.TaskStatus)

	// Draft, then schedule the send.
	w = doJSON(t, router, http.MethodPost, "/v1/tasks/"+id+"/advance", `{"action":"draft_write"}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	draftID := res.NewOperations[0].ID

	w = doJSON(t, router, http.MethodPost, "/v1/tasks/"+id+"/advance",
		`{"action":"send","selected_draft_id":"`+draftID+`","recipient_address":"lead@acme.io","timezone":"UTC"}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	require.Equal(t, orchestrator.CodeInTimer, res.Code)

	// Scheduled event is visible.
	w = doJSON(t, router, http.MethodGet, "/v1/tasks/"+id+"/events", "")
	require.Equal(t, http.StatusOK, w.Code)

	var events struct {
		Events []scheduler.ScheduledEvent `json:"events"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &events))
	require.Len(t, events.Events, 1)

	// Full history on the task resource.
	w = doJSON(t, router, http.MethodGet, "/v1/tasks/"+id, "")
	require.Equal(t, http.StatusOK, w.Code)

	var got task.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got.Operations, 5)
}

func TestAdvanceTask_InvalidActionBody(t *testing.T) {
	router := newTestRouter(t)

	w := doJSON(t, router, http.MethodPost, "/v1/tasks",
		`{"org_id":"org-1","request":{"target_url":"https://acme.io"}}`)
	var created struct {
		Task task.Task `json:"task"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = doJSON(t, router, http.MethodPost, "/v1/tasks/"+created.Task.ID+"/advance",
		`{"action":"draft_rewrite"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetTask_NotFound(t *testing.T) {
	router := newTestRouter(t)

	w := doJSON(t, router, http.MethodGet, "/v1/tasks/missing", "")
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthEndpoints(t *testing.T) {
	router := newTestRouter(t)

	w := doJSON(t, router, http.MethodGet, "/livez", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusOK, w.Code)
}
