package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tfswheels/foreman/errors"
	foremantesting "github.com/tfswheels/foreman/internal/testing"
	"github.com/tfswheels/foreman/internal/util"
	"github.com/tfswheels/foreman/job"
	"github.com/tfswheels/foreman/quota"
	"github.com/tfswheels/foreman/schedule"
	"github.com/tfswheels/foreman/supervisor"
)

// fakeRunner mimics the supervisor's store transitions without spawning
// processes.
type fakeRunner struct {
	store     *job.Store
	launchErr error
}

func (f *fakeRunner) Launch(j *job.Job) error {
	if f.launchErr != nil {
		_, _ = f.store.Transition(j.ID, []job.Status{job.StatusPending}, job.StatusFailed, job.Patch{
			Result: &job.Result{Error: f.launchErr.Error()},
		})
		return f.launchErr
	}
	started := time.Now().UTC()
	_, err := f.store.Transition(j.ID, []job.Status{job.StatusPending}, job.StatusRunning, job.Patch{
		PID:       util.Ptr(4242),
		StartedAt: &started,
	})
	return err
}

func (f *fakeRunner) Terminate(id string) (*job.Job, error) {
	j, err := f.store.Get(id)
	if err != nil {
		return nil, err
	}
	if j.Status.IsTerminal() {
		return nil, errors.Wrapf(errors.ErrStaleTransition, "job %s is already %s", id, j.Status)
	}
	from := job.ActiveStatuses
	if j.Status == job.StatusPending {
		from = []job.Status{job.StatusPending}
	}
	return f.store.Transition(id, from, job.StatusTerminated, job.Patch{
		Result: &job.Result{Error: "terminated by operator"},
	})
}

func (f *fakeRunner) Metrics() (*supervisor.SystemMetrics, error) {
	return &supervisor.SystemMetrics{MemoryTotalGB: 16}, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *job.Store, *fakeRunner) {
	t.Helper()
	db := foremantesting.CreateTestDB(t)
	store := job.NewStore(db)
	ledger := quota.NewLedger(db, quota.Limits{
		DailyLimit: 1000,
		Shares:     map[string]int{"wheels": 700, "tires": 300},
	})
	runner := &fakeRunner{store: store}
	schedules := schedule.NewStore(db)

	srv := New(db, store, ledger, runner, schedules, Config{Port: 0}, zap.NewNop().Sugar())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, store, runner
}

func doJSON(t *testing.T, method, url string, body interface{}) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func TestStartJob(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/jobs/scrape/start",
		map[string]interface{}{"config": map[string]int{"pages": 3}})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var j job.Job
	require.NoError(t, json.Unmarshal(body, &j))
	assert.Equal(t, job.StatusRunning, j.Status)
	assert.Equal(t, job.CategoryScrape, j.Category)
	require.NotNil(t, j.ProcessPID)
}

func TestStartJobUnknownCategory(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/jobs/mystery/start", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStartJobLaunchFailure(t *testing.T) {
	ts, store, runner := newTestServer(t)
	runner.launchErr = errors.New("no worker command configured")

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/jobs/scrape/start", nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	// The failed job is still visible for diagnosis.
	jobs, err := store.List(job.Filter{})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, job.StatusFailed, jobs[0].Status)
}

func TestGetAndListJobs(t *testing.T) {
	ts, store, _ := newTestServer(t)

	j, err := store.Create(job.CategoryScrape, nil)
	require.NoError(t, err)

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/api/jobs/"+j.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got job.Job
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, j.ID, got.ID)

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/api/jobs?status=pending", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Jobs  []*job.Job `json:"jobs"`
		Count int        `json:"count"`
	}
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Equal(t, 1, list.Count)

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/api/jobs?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/api/jobs/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPauseAndAnswerFlow(t *testing.T) {
	ts, store, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/jobs/order-automation/start", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var j job.Job
	require.NoError(t, json.Unmarshal(body, &j))

	// Worker pauses on a confirmation prompt.
	resp, body = doJSON(t, http.MethodPost, ts.URL+"/api/worker/jobs/"+j.ID+"/pause",
		map[string]interface{}{"prompt": job.Prompt{
			Kind:    job.PromptConfirmation,
			Message: "cancel 40 orders?",
			Options: []string{"yes", "no"},
		}})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	// Worker polls and sees no answer yet.
	resp, body = doJSON(t, http.MethodGet, ts.URL+"/api/worker/jobs/"+j.ID+"/answer", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var poll struct {
		Status job.Status      `json:"status"`
		Answer json.RawMessage `json:"answer"`
	}
	require.NoError(t, json.Unmarshal(body, &poll))
	assert.Equal(t, job.StatusAwaitingConfirmation, poll.Status)
	assert.Equal(t, "null", strings.TrimSpace(string(poll.Answer)))

	// Operator answers.
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/jobs/"+j.ID+"/answer",
		map[string]interface{}{"answer": "yes"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Worker sees the answer on the next poll.
	resp, body = doJSON(t, http.MethodGet, ts.URL+"/api/worker/jobs/"+j.ID+"/answer", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &poll))
	assert.Equal(t, job.StatusRunning, poll.Status)
	assert.JSONEq(t, `"yes"`, string(poll.Answer))

	// A second operator answer for the same episode loses.
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/jobs/"+j.ID+"/answer",
		map[string]interface{}{"answer": "no"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	got, err := store.Get(j.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `"yes"`, string(got.Answer))
}

func TestTerminateJob(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/jobs/scrape/start", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var j job.Job
	require.NoError(t, json.Unmarshal(body, &j))

	resp, body = doJSON(t, http.MethodPost, ts.URL+"/api/jobs/"+j.ID+"/terminate", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var terminated job.Job
	require.NoError(t, json.Unmarshal(body, &terminated))
	assert.Equal(t, job.StatusTerminated, terminated.Status)

	// Terminating again is a conflict.
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/jobs/"+j.ID+"/terminate", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestWorkerCompleteAndProgress(t *testing.T) {
	ts, store, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/jobs/scrape/start", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var j job.Job
	require.NoError(t, json.Unmarshal(body, &j))

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/worker/jobs/"+j.ID+"/progress",
		map[string]string{"message": "fetched 120 products"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = doJSON(t, http.MethodPost, ts.URL+"/api/worker/jobs/"+j.ID+"/complete",
		map[string]interface{}{"data": map[string]int{"products": 120}})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	done, err := store.Get(j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, done.Status)

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/api/jobs/"+j.ID+"/progress", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var progress struct {
		Entries []job.ProgressEntry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(body, &progress))
	require.Len(t, progress.Entries, 1)
	assert.Equal(t, "fetched 120 products", progress.Entries[0].Message)

	// Completing twice is a conflict.
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/worker/jobs/"+j.ID+"/complete", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestWorkerFail(t *testing.T) {
	ts, store, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/jobs/scrape/start", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var j job.Job
	require.NoError(t, json.Unmarshal(body, &j))

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/worker/jobs/"+j.ID+"/fail",
		map[string]string{"error": "supplier API returned 500"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	failed, err := store.Get(j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, failed.Status)
	require.NotNil(t, failed.Result)
	assert.Equal(t, "supplier API returned 500", failed.Result.Error)
}

func TestQuotaReserveEndpoint(t *testing.T) {
	ts, _, _ := newTestServer(t)
	day := "2026-03-14"

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/worker/quota/reserve",
		map[string]interface{}{"day": day, "category": "wheels", "count": 650})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var grant struct {
		Granted int `json:"granted"`
	}
	require.NoError(t, json.Unmarshal(body, &grant))
	assert.Equal(t, 650, grant.Granted)

	resp, body = doJSON(t, http.MethodPost, ts.URL+"/api/worker/quota/reserve",
		map[string]interface{}{"day": day, "category": "wheels", "count": 100})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &grant))
	assert.Equal(t, 50, grant.Granted)

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/worker/quota/reserve",
		map[string]interface{}{"day": day, "category": "wheels", "count": 1})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestQuotaStatusEndpoint(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/api/quota?day=2026-03-14", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status quota.DayStatus
	require.NoError(t, json.Unmarshal(body, &status))
	assert.Equal(t, 1000, status.DailyLimit)
	assert.Equal(t, 0, status.Consumed)

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/api/quota?day=notaday", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestScheduleCRUDEndpoints(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/schedules",
		map[string]interface{}{
			"category":         "scrape",
			"config":           map[string]int{"pages": 5},
			"interval_seconds": 3600,
		})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var d schedule.Definition
	require.NoError(t, json.Unmarshal(body, &d))
	assert.True(t, d.Enabled)

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/schedules",
		map[string]interface{}{"category": "scrape", "interval_seconds": 1})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "interval below minimum")

	resp, body = doJSON(t, http.MethodPatch, ts.URL+"/api/schedules/"+d.ID,
		map[string]interface{}{"enabled": false})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var updated schedule.Definition
	require.NoError(t, json.Unmarshal(body, &updated))
	assert.False(t, updated.Enabled)

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/api/schedules", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Equal(t, 1, list.Count)

	resp, _ = doJSON(t, http.MethodDelete, ts.URL+"/api/schedules/"+d.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/api/schedules/"+d.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthEndpoint(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var health struct {
		Status  string                    `json:"status"`
		Metrics supervisor.SystemMetrics `json:"metrics"`
	}
	require.NoError(t, json.Unmarshal(body, &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 16.0, health.Metrics.MemoryTotalGB)
}

func TestJobFeedWebSocket(t *testing.T) {
	ts, store, _ := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	j, err := store.Create(job.CategoryScrape, nil)
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var event wsEvent
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, "job_update", event.Type)
	require.NotNil(t, event.Job)
	assert.Equal(t, j.ID, event.Job.ID)
	assert.Equal(t, job.StatusPending, event.Job.Status)
}

func TestCORSPreflight(t *testing.T) {
	ts, _, _ := newTestServer(t)

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/api/jobs", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "http://localhost:3000", resp.Header.Get("Access-Control-Allow-Origin"))
}
