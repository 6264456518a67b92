package main

import (
	"context"
	"log"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/llathrop/ansible-fleet/control_plane/config"
	"github.com/llathrop/ansible-fleet/control_plane/coordination"
	"github.com/llathrop/ansible-fleet/control_plane/deployment"
	"github.com/llathrop/ansible-fleet/control_plane/events"
	"github.com/llathrop/ansible-fleet/control_plane/middleware"
	"github.com/llathrop/ansible-fleet/control_plane/router"
	"github.com/llathrop/ansible-fleet/control_plane/schedule"
	"github.com/llathrop/ansible-fleet/control_plane/store"
)

func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	switch cfg.Store.Backend {
	case "redis":
		return store.NewRedisStore(cfg.Store.RedisAddr, "", 0)
	case "postgres":
		return store.NewPostgresStore(ctx, cfg.Store.PostgresDSN)
	default:
		return store.NewMemoryStore(), nil
	}
}

func main() {
	cfg, err := config.Load(os.Getenv("FLEET_CONFIG"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx := context.Background()

	s, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to open %s store: %v", cfg.Store.Backend, err)
	}
	log.Printf("Using %s store", s.BackendType())

	// Event fan-out: process log plus connected dashboards.
	hub := NewEventHub()
	go hub.Run(ctx)
	publisher := events.NewFanOut(events.NewLogPublisher(), hub)

	jobRouter := router.New(s, router.Options{DrainAll: cfg.Router.DrainAll})

	// The local worker executes playbooks on this host when no remote
	// worker is eligible.
	if err := RegisterLocalWorker(ctx, s, cfg.Worker.LocalMaxJobs); err != nil {
		log.Fatalf("Failed to register local worker: %v", err)
	}

	playbookDir := envOr("FLEET_PLAYBOOK_DIR", "playbooks")
	logDir := envOr("FLEET_LOG_DIR", "logs")
	inventory := os.Getenv("FLEET_INVENTORY")

	schedCfg := schedule.DefaultConfig()
	schedCfg.PoolSize = cfg.Schedule.PoolSize
	schedCfg.HistoryMax = cfg.Schedule.HistoryMax

	executor := NewLocalExecutor(s, schedule.NewActiveRuns(), playbookDir, logDir, inventory)
	dispatcher := NewDispatcher(s, executor)

	manager := schedule.NewManager(s, publisher, schedule.Callbacks{
		RunPlaybook: executor.RunPlaybook,
		CreateBatchJob: func(playbooks, targets []string, name string) (string, error) {
			return dispatcher.CreateBatch(context.Background(), playbooks, targets, name)
		},
	}, schedCfg)
	// Execution reports run status through the manager's shared map.
	executor.runs = manager.ActiveRuns
	if err := manager.Start(ctx); err != nil {
		log.Fatalf("Failed to start schedule manager: %v", err)
	}

	// Background routing of queued jobs.
	drain := NewDrainLoop(s, jobRouter, dispatcher, cfg.Router.DrainInterval.Std())
	drain.Start(ctx)

	// Demote workers that stop checking in.
	monitor := coordination.NewWorkerMonitor(s, publisher, cfg.Worker.CheckinInterval.Std(), cfg.Worker.StaleThreshold.Std(), cfg.Worker.OfflineThreshold.Std())
	monitor.Start(ctx)

	detector := deployment.NewDetector(s, cfg.Deployment.DatabaseAddr, cfg.Deployment.AgentURL)
	api := NewAPI(s, jobRouter, dispatcher, manager, detector, cfg.Deployment.Desired, hub)

	http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if !s.HealthCheck(r.Context()) {
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	// Registration is how a worker obtains its token, so it stays outside
	// the auth middleware and gets per-client rate limiting instead.
	registerLimiter := middleware.NewRateLimiter("register", 1, 5)
	http.Handle("/workers/register", registerLimiter.Wrap(http.HandlerFunc(api.handleRegisterWorker)))
	http.Handle("/workers/checkin", middleware.AuthMiddleware(http.HandlerFunc(api.handleWorkerCheckin)))
	http.Handle("/workers", middleware.AuthMiddleware(http.HandlerFunc(api.handleListWorkers)))
	http.Handle("/workers/", middleware.AuthMiddleware(http.HandlerFunc(api.handleWorkerByID)))

	http.Handle("/jobs", middleware.AuthMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			api.handleListJobs(w, r)
			return
		}
		api.handleSubmitJob(w, r)
	})))
	http.Handle("/jobs/result", middleware.AuthMiddleware(http.HandlerFunc(api.handleJobResult)))
	http.Handle("/jobs/", middleware.AuthMiddleware(http.HandlerFunc(api.handleJobByID)))
	http.Handle("/route/drain", middleware.AuthMiddleware(http.HandlerFunc(api.handleDrain)))

	http.Handle("/schedules", middleware.AuthMiddleware(http.HandlerFunc(api.handleSchedules)))
	http.Handle("/schedules/", middleware.AuthMiddleware(http.HandlerFunc(api.handleScheduleByID)))

	http.Handle("/deployment/delta", middleware.AuthMiddleware(middleware.RequireAdmin(http.HandlerFunc(api.handleDeploymentDelta))))

	http.HandleFunc("/events/stream", api.handleEventStream)
	http.Handle("/metrics", promhttp.Handler())

	handler := middleware.CORSMiddleware(http.DefaultServeMux)

	log.Printf("Fleet control plane listening on %s", cfg.ListenAddr)
	log.Fatal(http.ListenAndServe(cfg.ListenAddr, handler))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
