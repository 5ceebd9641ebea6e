// Command agentorchestrator is the composition root: it loads a fleet YAML
// config, wires the registry/session/lifecycle stack for every configured
// project, and runs each project's tick loop on a fixed interval until
// interrupted. Grounded on the teacher's module-runner CLI's
// flag-parse/die/poll-ticker shape, generalized from one module run to one
// lifecycle+task-runner tick per project.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vivekgoquest/agent-orchestrator-sub002/internal/config"
	"github.com/vivekgoquest/agent-orchestrator-sub002/internal/defaultplugins"
	"github.com/vivekgoquest/agent-orchestrator-sub002/internal/identity"
	"github.com/vivekgoquest/agent-orchestrator-sub002/internal/lifecycle"
	"github.com/vivekgoquest/agent-orchestrator-sub002/internal/metadata"
	"github.com/vivekgoquest/agent-orchestrator-sub002/internal/metrics"
	"github.com/vivekgoquest/agent-orchestrator-sub002/internal/obslog"
	"github.com/vivekgoquest/agent-orchestrator-sub002/internal/planstore"
	"github.com/vivekgoquest/agent-orchestrator-sub002/internal/pluginapi"
	"github.com/vivekgoquest/agent-orchestrator-sub002/internal/registry"
	"github.com/vivekgoquest/agent-orchestrator-sub002/internal/session"
	"github.com/vivekgoquest/agent-orchestrator-sub002/internal/taskgraph"
	"github.com/vivekgoquest/agent-orchestrator-sub002/internal/taskrunner"
)

func main() {
	configFile := flag.String("config", "", "path to the fleet YAML config")
	tick := flag.Duration("tick", 5*time.Second, "lifecycle tick interval")
	concurrency := flag.Int("concurrency", 4, "max sessions observed concurrently per tick")
	flag.Parse()

	if strings.TrimSpace(*configFile) == "" {
		die("--config is required")
	}

	cfg, err := loadConfig(*configFile)
	if err != nil {
		die("load config: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	fleet, err := buildFleet(ctx, cfg, *concurrency)
	if err != nil {
		die("build fleet: %v", err)
	}

	run(ctx, fleet, *tick, *concurrency)
}

func loadConfig(path string) (*config.Config, error) {
	realPath, err := config.RealConfigPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(realPath)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", realPath, err)
	}
	var cfg config.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", realPath, err)
	}
	cfg.ConfigPath = realPath
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// project bundles one configured project's lifecycle manager with the
// plan/task runner that batch-spawns sessions from its ready queue. taskRunner
// is nil until the project's orchestrator session has written a plan.
type project struct {
	id             string
	lifecycle      *lifecycle.Manager
	sessions       *session.Manager
	plans          *planstore.Store
	meta           *metadata.Store
	logbook        *obslog.Logbook
	orchestratorID string
	schedulerCfg   taskgraph.SchedulerConfig
	taskRunner     *taskrunner.Runner
}

func buildFleet(ctx context.Context, cfg *config.Config, concurrency int) ([]project, error) {
	reg := registry.New()
	reg.LoadFromConfig(cfg)

	githubToken := os.Getenv("GITHUB_TOKEN")
	slackToken := os.Getenv("SLACK_BOT_TOKEN")

	defaultplugins.RegisterNotifier(reg, slackToken, func(p pluginapi.NotifyPriority) string {
		names := cfg.NotificationRouting.RoutingFor(string(p))
		if len(names) == 0 {
			return ""
		}
		return names[0]
	})

	var fleet []project
	for id, proj := range cfg.Projects {
		projectID := identity.ProjectID(cfg.ConfigPath, projectBaseName(proj.Path))
		if err := identity.EnsureLayout(projectID); err != nil {
			return nil, fmt.Errorf("project %s: %w", id, err)
		}
		if err := identity.ValidateAndStoreOrigin(projectID, cfg.ConfigPath); err != nil {
			return nil, fmt.Errorf("project %s: %w", id, err)
		}

		sessionsDir, err := identity.SessionsDir(projectID)
		if err != nil {
			return nil, err
		}
		metaStore := metadata.New(sessionsDir)

		baseDir, err := identity.ProjectBaseDir(projectID)
		if err != nil {
			return nil, err
		}
		logbook, err := obslog.NewLogbook(baseDir + "/logbook.txt")
		if err != nil {
			return nil, fmt.Errorf("project %s: open logbook: %w", id, err)
		}

		metricsLog, err := metrics.New(projectID)
		if err != nil {
			return nil, err
		}

		plugins := defaultplugins.Register(reg, cfg, proj, proj.Path)

		sessCfg := session.Config{
			ProjectID:        projectID,
			ProjectPath:      proj.Path,
			ConfigPath:       cfg.ConfigPath,
			DefaultBranch:    proj.DefaultBranch,
			SessionPrefix:    proj.SessionPrefix,
			ReadyThresholdMs: cfg.ReadyThresholdMs,
		}
		sessions := session.New(sessCfg, metaStore, logbook, plugins.Runtime, plugins.Agent, plugins.Workspace)

		defaultplugins.RegisterSCM(reg, proj, githubToken, func(sessionID string) (*pluginapi.PRRef, bool) {
			sess, err := sessions.Get(context.Background(), sessionID)
			if err != nil || sess.PR == nil {
				return nil, false
			}
			return sess.PR, true
		})

		lcDeps := lifecycle.Deps{
			ProjectID:        projectID,
			Sessions:         sessions,
			Registry:         reg,
			Config:           cfg,
			Metrics:          metricsLog,
			Logbook:          logbook,
			ReadyThresholdMs: cfg.ReadyThresholdMs,
		}

		plans, err := planstore.New(projectID, metaStore)
		if err != nil {
			return nil, err
		}

		orchestratorID, err := ensureOrchestrator(ctx, sessions, proj)
		if err != nil {
			return nil, fmt.Errorf("project %s: ensure orchestrator session: %w", id, err)
		}

		fleet = append(fleet, project{
			id:             id,
			lifecycle:      lifecycle.New(lcDeps),
			sessions:       sessions,
			plans:          plans,
			meta:           metaStore,
			logbook:        logbook,
			orchestratorID: orchestratorID,
			schedulerCfg:   taskgraph.SchedulerConfig{ConcurrencyCap: concurrency},
		})
	}
	return fleet, nil
}

// ensureOrchestrator finds the project's existing orchestrator session
// (the one that owns the plan artifact taskrunner consumes) or spawns one,
// matching SPEC_FULL.md §4.6's spawnOrchestrator contract.
func ensureOrchestrator(ctx context.Context, sessions *session.Manager, proj config.ProjectConfig) (string, error) {
	existing, err := sessions.List(ctx)
	if err != nil {
		return "", err
	}
	for _, sess := range existing {
		if sess.Role == "orchestrator" {
			return sess.ID, nil
		}
	}
	prompt := fmt.Sprintf("Plan the work for %s and write the plan artifact.", proj.Name)
	sess, err := sessions.SpawnOrchestrator(ctx, prompt)
	if err != nil {
		return "", err
	}
	return sess.ID, nil
}

func projectBaseName(path string) string {
	trimmed := strings.TrimRight(path, "/")
	idx := strings.LastIndex(trimmed, "/")
	if idx < 0 {
		return trimmed
	}
	return trimmed[idx+1:]
}

func run(ctx context.Context, fleet []project, tick time.Duration, concurrency int) {
	var wg sync.WaitGroup
	for _, p := range fleet {
		wg.Add(1)
		go func(p project) {
			defer wg.Done()
			ticker := time.NewTicker(tick)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := p.lifecycle.Tick(ctx, concurrency); err != nil {
						fmt.Fprintf(os.Stderr, "project %s: tick: %v\n", p.id, err)
					}
					tickTaskRunner(ctx, &p)
				}
			}
		}(p)
	}
	wg.Wait()
}

// tickTaskRunner lazily loads the project's task runner once its
// orchestrator session has written a plan artifact, then advances it one
// round. A project with no plan yet is a no-op, not an error.
func tickTaskRunner(ctx context.Context, p *project) {
	if p.taskRunner == nil {
		tr, err := taskrunner.Load(p.sessions, p.plans, p.meta, p.logbook, p.orchestratorID, p.schedulerCfg)
		if err != nil {
			return
		}
		p.taskRunner = tr
	}
	if err := p.taskRunner.Tick(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "project %s: task runner tick: %v\n", p.id, err)
	}
}

func die(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
