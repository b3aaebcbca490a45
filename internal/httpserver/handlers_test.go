package httpserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctfrange/orchestrator/internal/apierr"
	"github.com/ctfrange/orchestrator/internal/captcha"
	"github.com/ctfrange/orchestrator/internal/config"
	"github.com/ctfrange/orchestrator/internal/orchestrator"
	"github.com/ctfrange/orchestrator/internal/resourcemon"
	"github.com/ctfrange/orchestrator/internal/store"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fakeOrchestrator struct {
	deployed    orchestrator.Deployment
	deployErr   error
	stopErr     error
	restarted   orchestrator.Deployment
	restartErr  error
	extended    orchestrator.Deployment
	extendErr   error
	owned       *orchestrator.Deployment
	ownedErr    error
	lastCaptcha string
}

func (f *fakeOrchestrator) Deploy(ctx context.Context, userUUID, ip, captchaID, captchaAnswer string) (orchestrator.Deployment, error) {
	f.lastCaptcha = captchaID
	return f.deployed, f.deployErr
}
func (f *fakeOrchestrator) Stop(ctx context.Context, userUUID string) error { return f.stopErr }
func (f *fakeOrchestrator) Restart(ctx context.Context, userUUID, ip string) (orchestrator.Deployment, error) {
	return f.restarted, f.restartErr
}
func (f *fakeOrchestrator) Extend(ctx context.Context, userUUID string) (orchestrator.Deployment, error) {
	return f.extended, f.extendErr
}
func (f *fakeOrchestrator) GetOwned(ctx context.Context, userUUID string) (*orchestrator.Deployment, error) {
	return f.owned, f.ownedErr
}

type fakeCaptchaBroker struct {
	challenge captcha.Challenge
	err       error
}

func (f *fakeCaptchaBroker) Generate() (captcha.Challenge, error) { return f.challenge, f.err }

type fakeStatusStore struct {
	running      []store.Container
	countRunning int
	countAll     int
	allocated    int
	free         int
}

func (f *fakeStatusStore) ListRunning(ctx context.Context) ([]store.Container, error) {
	return f.running, nil
}
func (f *fakeStatusStore) CountRunning(ctx context.Context) (int, error) { return f.countRunning, nil }
func (f *fakeStatusStore) CountAll(ctx context.Context) (int, error)     { return f.countAll, nil }
func (f *fakeStatusStore) PortPoolCounts(ctx context.Context) (int, int, error) {
	return f.allocated, f.free, nil
}
func (f *fakeStatusStore) PoolStats() (int32, int32) { return 8, 10 }

type fakeResourceSnapshotter struct{ snap resourcemon.Snapshot }

func (f *fakeResourceSnapshotter) Snapshot() resourcemon.Snapshot { return f.snap }

func testServer() *Server {
	return &Server{
		Router:       nil,
		cfg:          &config.Config{ChallengeImage: "ctfrange/challenge:latest", AdminKey: "secret", MaxContainersPerSourcePerWindow: 3, RateLimitWindowSec: 3600},
		logger:       discardLogger(),
		orchestrator: &fakeOrchestrator{},
		captcha:      &fakeCaptchaBroker{challenge: captcha.Challenge{ID: "c1", Prompt: "1 + 1 = ?"}},
		store:        &fakeStatusStore{},
		resources:    &fakeResourceSnapshotter{},
		startedAt:    time.Now(),
	}
}

func TestHandleHealthReturnsOK(t *testing.T) {
	s := testServer()
	w := httptest.NewRecorder()
	s.handleHealth(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"ok":true}`, w.Body.String())
}

func TestHandleStatusReturnsChallengeImage(t *testing.T) {
	s := testServer()
	w := httptest.NewRecorder()
	s.handleStatus(w, httptest.NewRequest(http.MethodGet, "/status", nil))

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ctfrange/challenge:latest", body["challenge"])
}

func TestHandleGetCaptchaReturnsDataURIImage(t *testing.T) {
	s := testServer()
	w := httptest.NewRecorder()
	s.handleGetCaptcha(w, httptest.NewRequest(http.MethodGet, "/get_captcha", nil))

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "c1", body["captcha_id"])
	assert.True(t, strings.HasPrefix(body["captcha_image"], "data:image/svg+xml;base64,"))
}

func TestHandleDeploySucceeds(t *testing.T) {
	s := testServer()
	orch := &fakeOrchestrator{deployed: orchestrator.Deployment{ContainerID: "abc", Port: 30001}}
	s.orchestrator = orch

	body := `{"captcha_id":"c1","captcha_answer":"2"}`
	r := httptest.NewRequest(http.MethodPost, "/deploy", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	s.handleDeploy(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "c1", orch.lastCaptcha)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, float64(30001), resp["port"])

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, userCookieName, cookies[0].Name)
}

func TestHandleDeployMapsClassifiedErrorToStatus(t *testing.T) {
	s := testServer()
	s.orchestrator = &fakeOrchestrator{deployErr: apierr.New(apierr.AlreadyOwns, "existing instance")}

	body := `{"captcha_id":"c1","captcha_answer":"2"}`
	r := httptest.NewRequest(http.MethodPost, "/deploy", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	s.handleDeploy(w, r)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "existing instance")
}

func TestHandleDeployRejectsMissingFields(t *testing.T) {
	s := testServer()
	r := httptest.NewRequest(http.MethodPost, "/deploy", strings.NewReader(`{}`))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	s.handleDeploy(w, r)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleStopReturnsNotFoundWhenOrchestratorSaysSo(t *testing.T) {
	s := testServer()
	s.orchestrator = &fakeOrchestrator{stopErr: apierr.New(apierr.NotFound, "no running container for user")}

	r := httptest.NewRequest(http.MethodPost, "/stop", nil)
	w := httptest.NewRecorder()

	s.handleStop(w, r)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdminAuthAcceptsHeaderKey(t *testing.T) {
	s := testServer()
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })

	r := httptest.NewRequest(http.MethodGet, "/admin/status", nil)
	r.Header.Set("X-Admin-Key", "secret")
	r.RemoteAddr = "203.0.113.5:1234"
	w := httptest.NewRecorder()

	s.adminAuth(next).ServeHTTP(w, r)
	assert.True(t, called)
}

func TestAdminAuthAcceptsQueryParamKey(t *testing.T) {
	s := testServer()
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })

	r := httptest.NewRequest(http.MethodGet, "/admin/status?admin_key=secret", nil)
	r.RemoteAddr = "203.0.113.5:1234"
	w := httptest.NewRecorder()

	s.adminAuth(next).ServeHTTP(w, r)
	assert.True(t, called)
}

func TestAdminAuthAcceptsLoopbackWithoutKey(t *testing.T) {
	s := testServer()
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })

	r := httptest.NewRequest(http.MethodGet, "/admin/status", nil)
	r.RemoteAddr = "127.0.0.1:5555"
	w := httptest.NewRecorder()

	s.adminAuth(next).ServeHTTP(w, r)
	assert.True(t, called)
}

func TestAdminAuthRejectsWrongKeyFromRemotePeer(t *testing.T) {
	s := testServer()
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })

	r := httptest.NewRequest(http.MethodGet, "/admin/status?admin_key=wrong", nil)
	r.RemoteAddr = "203.0.113.5:1234"
	w := httptest.NewRecorder()

	s.adminAuth(next).ServeHTTP(w, r)

	assert.False(t, called)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestHandleAdminStatusReportsMetricsAndContainers(t *testing.T) {
	s := testServer()
	s.store = &fakeStatusStore{
		running:      []store.Container{{ID: "abc", Port: 30001, StartTime: 1000, ExpirationTime: 2000, Status: store.StatusRunning, UserUUID: "u1", IPAddress: "1.2.3.4"}},
		countRunning: 1,
		countAll:     5,
		allocated:    1,
		free:         999,
	}

	r := httptest.NewRequest(http.MethodGet, "/admin/status", nil)
	w := httptest.NewRecorder()

	s.handleAdminStatus(w, r)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	assert.Equal(t, "up", resp["status"])
	assert.Equal(t, "ctfrange/challenge:latest", resp["challenge"])

	metrics := resp["metrics"].(map[string]any)
	assert.Equal(t, float64(1), metrics["active_containers"])
	assert.Equal(t, float64(5), metrics["total_containers_created"])

	containers := resp["containers"].([]any)
	require.Len(t, containers, 1)
	c := containers[0].(map[string]any)
	assert.Equal(t, "abc", c["id"])
	assert.Equal(t, "u1", c["user_uuid"])
}

func TestSplitLinesHandlesEmptyAndTrailingNewline(t *testing.T) {
	assert.Equal(t, []string{}, splitLines(""))
	assert.Equal(t, []string{"a", "b"}, splitLines("a\nb"))
	assert.Equal(t, []string{"a", "b"}, splitLines("a\nb\n"))
}

func TestCaptchaImageDataURIEscapesPrompt(t *testing.T) {
	uri := captchaImageDataURI("3 < 4 = ?")
	assert.True(t, strings.HasPrefix(uri, "data:image/svg+xml;base64,"))

	svg, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(uri, "data:image/svg+xml;base64,"))
	require.NoError(t, err)
	assert.Contains(t, string(svg), "3 &lt; 4 = ?")
}
