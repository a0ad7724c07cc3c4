package e2e

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-git/go-billy/v5/util"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/gofiber/fiber/v2"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	gormlogger "gorm.io/gorm/logger"

	"github.com/devildev/api/internal/admission"
	"github.com/devildev/api/internal/auth"
	"github.com/devildev/api/internal/client"
	"github.com/devildev/api/internal/config"
	"github.com/devildev/api/internal/database"
	"github.com/devildev/api/internal/handler"
	"github.com/devildev/api/internal/middleware"
	"github.com/devildev/api/internal/model"
	"github.com/devildev/api/internal/pipeline"
	"github.com/devildev/api/internal/repository"
	"github.com/devildev/api/internal/service"
	ws "github.com/devildev/api/internal/websocket"
	"github.com/devildev/api/internal/worker"
)

const (
	testJWTSecret     = "test-secret-for-e2e"
	testWebhookSecret = "webhook-secret"
	testUserID        = "test-user-123"
)

// taskQueue records enqueued tasks so tests decide when workers run
type taskQueue struct {
	mu    sync.Mutex
	tasks []*asynq.Task
}

func (q *taskQueue) Enqueue(task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, task)
	return &asynq.TaskInfo{Type: task.Type(), Queue: pipeline.QueueGeneration}, nil
}

func (q *taskQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

func (q *taskQueue) take() []*asynq.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.tasks
	q.tasks = nil
	return out
}

// testApp holds all components needed for testing
type testApp struct {
	app           *fiber.App
	queue         *taskQueue
	worker        *worker.GenerationWorker
	repos         *client.GitRepository
	subscriptions repository.SubscriptionRepository
	hmac          *auth.HMACVerifier
}

// setupApp creates a Fiber app wired like main.go, with Redis replaced by
// miniredis, the heuristic engine as generation backend and a temporary
// database and clone directory. Free users may change at most 3 files.
func setupApp(t *testing.T) *testApp {
	t.Helper()

	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = redisClient.Close() })

	db, err := database.Init(database.Config{
		Path:     filepath.Join(t.TempDir(), "e2e.db"),
		LogLevel: gormlogger.Silent,
	})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = database.Close(db) })

	projects := repository.NewProjectRepository(db)
	chats := repository.NewChatRepository(db)
	messages := repository.NewMessageRepository(db)
	versions := repository.NewArchitectureRepository(db)
	subscriptions := repository.NewSubscriptionRepository(db)

	hub := ws.NewHub()
	go hub.Run()

	queue := &taskQueue{}
	gitRepos := client.NewGitRepository(&config.ReposConfig{Workdir: t.TempDir()})

	cfg := pipeline.DefaultConfig()
	cfg.BaseBackoff = time.Millisecond
	cfg.MaxBackoff = time.Millisecond
	cfg.Limits = admission.Limits{
		model.TierFree: {MaxFiles: 3, MaxLines: 2000},
		model.TierPro:  {MaxFiles: 300, MaxLines: 20000},
	}
	orchestrator := pipeline.New(pipeline.Deps{
		Store:     pipeline.NewRedisJobStore(redisClient, time.Hour, 0),
		Queue:     queue,
		Engine:    client.NewHeuristicEngine(),
		Repos:     gitRepos,
		Artifacts: versions,
		Messages:  messages,
		Tiers:     subscriptions,
		Notify:    hub,
	}, cfg)

	validate := handler.NewValidator()
	hmac := auth.NewHMACVerifier(testJWTSecret)
	verifiers := auth.Chain{hmac}

	workspaceService := service.NewWorkspaceService(projects, chats, messages)
	generationService := service.NewGenerationService(orchestrator, projects, chats)
	architectureService := service.NewArchitectureService(versions, workspaceService,
		service.NewPositionDebouncer(versions, 10*time.Millisecond), nil)

	generationHandler := handler.NewGenerationHandler(generationService, validate)
	architectureHandler := handler.NewArchitectureHandler(architectureService, validate)
	workspaceHandler := handler.NewWorkspaceHandler(workspaceService, validate)
	webhookHandler := handler.NewWebhookHandler(generationService, validate, testWebhookSecret)
	authHandler := handler.NewAuthHandler(verifiers)

	authMiddleware := middleware.NewAuthMiddleware(verifiers)
	rateLimiter := middleware.NewRateLimiter(redisClient)

	app := fiber.New()

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"services": fiber.Map{
				"generation": false,
				"database":   true,
				"r2":         false,
				"auth":       true,
			},
		})
	})
	app.Get("/auth/verify", authHandler.Verify)
	app.Post("/webhooks/github", webhookHandler.Push)

	api := app.Group("/api", authMiddleware.Authenticate())

	// Use very high rate limits so tests don't get blocked
	generate := api.Group("/generate")
	generate.Post("/forward", rateLimiter.GenerationLimit(10000), generationHandler.Forward)
	generate.Post("/reverse", rateLimiter.GenerationLimit(10000), generationHandler.Reverse)
	generate.Post("/incremental", rateLimiter.GenerationLimit(10000), generationHandler.Incremental)
	generate.Get("/status/:jobId", rateLimiter.StatusLimit(10000), generationHandler.Status)

	api.Post("/projects", workspaceHandler.CreateProject)
	api.Get("/projects/:projectId", workspaceHandler.Project)
	api.Post("/chats", workspaceHandler.CreateChat)
	api.Get("/chats/:chatId", workspaceHandler.Chat)

	targets := api.Group("/targets/:targetId")
	targets.Get("/architecture", architectureHandler.Latest)
	targets.Get("/versions", architectureHandler.Versions)
	targets.Get("/messages", workspaceHandler.Messages)

	api.Get("/versions/:versionId", architectureHandler.Version)
	api.Put("/versions/:versionId/positions", architectureHandler.UpdatePositions)
	api.Get("/versions/:versionId/snapshot", architectureHandler.Snapshot)

	return &testApp{
		app:           app,
		queue:         queue,
		worker:        worker.NewGenerationWorker(orchestrator),
		repos:         gitRepos,
		subscriptions: subscriptions,
		hmac:          hmac,
	}
}

// runJobs executes every queued task the way the asynq server would
func (ta *testApp) runJobs(t *testing.T) {
	t.Helper()
	for _, task := range ta.queue.take() {
		if err := ta.worker.ProcessTask(context.Background(), task); err != nil {
			t.Logf("task finished with error: %v", err)
		}
	}
}

// seedRepository creates the clone of a project and returns a function that
// commits files to it and returns the commit hash.
func (ta *testApp) seedRepository(t *testing.T, projectID string) func(files map[string]string) string {
	t.Helper()
	r, err := git.PlainInitWithOptions(ta.repos.Dir(pipeline.Repo{ID: projectID}), &git.PlainInitOptions{
		InitOptions: git.InitOptions{DefaultBranch: plumbing.NewBranchReferenceName("main")},
	})
	if err != nil {
		t.Fatalf("failed to init repository: %v", err)
	}
	return func(files map[string]string) string {
		t.Helper()
		wt, err := r.Worktree()
		if err != nil {
			t.Fatalf("worktree: %v", err)
		}
		for p, content := range files {
			if err := util.WriteFile(wt.Filesystem, p, []byte(content), 0o644); err != nil {
				t.Fatalf("write %s: %v", p, err)
			}
			if _, err := wt.Add(p); err != nil {
				t.Fatalf("add %s: %v", p, err)
			}
		}
		hash, err := wt.Commit("update", &git.CommitOptions{
			Author: &object.Signature{Name: "Test", Email: "test@example.com", When: time.Now()},
		})
		if err != nil {
			t.Fatalf("commit: %v", err)
		}
		return hash.String()
	}
}

// generateToken creates a legacy HMAC JWT token for test requests.
func generateToken(t *testing.T, ta *testApp, userID string) string {
	t.Helper()
	token, err := ta.hmac.Issue(userID, "test@example.com", time.Hour)
	if err != nil {
		t.Fatalf("failed to generate test token: %v", err)
	}
	return token
}

// doRequest is a helper to perform HTTP requests against the test app.
func doRequest(app *fiber.App, method, path string, body string, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, path, bodyReader)
	if err != nil {
		return nil, err
	}

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return app.Test(req, -1)
}

// doAuthRequest performs a request as testUserID.
func doAuthRequest(t *testing.T, ta *testApp, method, path, body string) *http.Response {
	t.Helper()
	return doUserRequest(t, ta, testUserID, method, path, body)
}

func doUserRequest(t *testing.T, ta *testApp, userID, method, path, body string) *http.Response {
	t.Helper()
	resp, err := doRequest(ta.app, method, path, body, map[string]string{
		"Authorization": "Bearer " + generateToken(t, ta, userID),
	})
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

// readBody reads and returns the response body as a string.
func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return string(b)
}

// parseJSON parses response body into a map.
func parseJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	body := readBody(t, resp)
	var result map[string]interface{}
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		t.Fatalf("failed to parse JSON: %v\nbody: %s", err, body)
	}
	return result
}

// decodeJSON parses the response body into v.
func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	body := readBody(t, resp)
	if err := json.Unmarshal([]byte(body), v); err != nil {
		t.Fatalf("failed to parse JSON: %v\nbody: %s", err, body)
	}
}

// assertStatus checks the HTTP status code.
func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}
}
