// Package main is the worker-checker orchestrator CLI. It creates
// autonomous run sessions and drives them cycle by cycle: a worker agent
// executes the task objective, a checker agent verifies the claims, and
// the loop continues until the checker passes the work or the cycle
// budget runs out.
//
// Commands:
//   - run       create (or load) a session and drive it to a terminal status
//   - run-once  advance a session by exactly one worker-checker cycle
//   - status    print a session's stored state
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/wheelhouse-ai/wheelhouse/internal/common/config"
	"github.com/wheelhouse-ai/wheelhouse/internal/common/logger"
	"github.com/wheelhouse-ai/wheelhouse/internal/events/bus"
	"github.com/wheelhouse-ai/wheelhouse/internal/orchestrator"
)

const usage = `Usage: orchestrator <command> [flags]

Commands:
  run       create (or load) a session and drive it until completed or failed
  run-once  advance a session by exactly one worker-checker cycle
  status    print a session's stored state

Run "orchestrator <command> -h" for command flags.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "run":
		err = cmdRun(os.Args[2:], false)
	case "run-once":
		err = cmdRun(os.Args[2:], true)
	case "status":
		err = cmdStatus(os.Args[2:])
	case "-h", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

// engineFlags are the flags shared by run and run-once.
type engineFlags struct {
	baseDir     *string
	workerType  *string
	agentBinary *string
	cycleWait   *time.Duration
	natsURL     *string
	logLevel    *string
	logFormat   *string

	session     *string
	configPath  *string
	workerPath  *string
	taskPath    *string
	checkerPath *string

	maxCycles        *int
	resetOnMaxCycles *bool
	maxResets        *int
}

func registerEngineFlags(fs *flag.FlagSet) *engineFlags {
	return &engineFlags{
		baseDir:     fs.String("base-dir", envOr("ORCHESTRATOR_BASE_DIR", "storage"), "data root; sessions live under <base-dir>/workspace"),
		workerType:  fs.String("worker-type", "agent", "worker backend (stub, agent)"),
		agentBinary: fs.String("agent-binary", envOr("WHEELHOUSE_AGENT_BINARY", "claude"), "agent CLI executable for the agent worker"),
		cycleWait:   fs.Duration("cycle-wait", 0, "pause between cycles of a full run"),
		natsURL:     fs.String("nats-url", os.Getenv("NATS_URL"), "NATS URL for live run events (empty: run log only)"),
		logLevel:    fs.String("log-level", "info", "log level (debug, info, warn, error)"),
		logFormat:   fs.String("log-format", "console", "log format (console, json)"),

		session:     fs.String("session", "", "existing session id to drive"),
		configPath:  fs.String("config", "", "run config file: {worker, task, session{...}} (YAML or JSON)"),
		workerPath:  fs.String("worker", "", "worker config file (YAML or JSON)"),
		taskPath:    fs.String("task", "", "task definition file (YAML or JSON)"),
		checkerPath: fs.String("checker", "", "dedicated checker config file (default: the worker config)"),

		maxCycles:        fs.Int("max-cycles", orchestrator.DefaultMaxCycles, "cycle budget per round"),
		resetOnMaxCycles: fs.Bool("reset-on-max-cycles", false, "reset instead of failing when the budget is exhausted"),
		maxResets:        fs.Int("max-resets", 0, "rounds allowed after resets"),
	}
}

func cmdRun(args []string, once bool) error {
	name := "run"
	if once {
		name = "run-once"
	}
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	ef := registerEngineFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	log, err := newLogger(*ef.logLevel, *ef.logFormat)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	engine, cleanup, err := buildEngine(ef, log)
	if err != nil {
		return err
	}
	defer cleanup()

	sessionID := *ef.session
	if sessionID == "" {
		state, err := createSession(engine, ef)
		if err != nil {
			return err
		}
		sessionID = state.SessionID
		fmt.Printf("created session: %s\n", sessionID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Info("interrupt received, stopping run")
		cancel()
	}()

	var state *orchestrator.RunState
	if once {
		state, err = engine.RunOnce(ctx, sessionID)
	} else {
		state, err = engine.Run(ctx, sessionID)
	}
	if err != nil {
		return fmt.Errorf("session %s: %w", sessionID, err)
	}

	if err := printJSON(state); err != nil {
		return err
	}
	if state.Status == orchestrator.StatusFailed {
		os.Exit(1)
	}
	return nil
}

func cmdStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	baseDir := fs.String("base-dir", envOr("ORCHESTRATOR_BASE_DIR", "storage"), "data root; sessions live under <base-dir>/workspace")
	session := fs.String("session", "", "session id (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *session == "" {
		return errors.New("status requires --session")
	}

	store := orchestrator.NewStore(*baseDir)
	state, err := store.LoadState(*session)
	if errors.Is(err, orchestrator.ErrRunNotFound) {
		return fmt.Errorf("session not found: %s", *session)
	}
	if err != nil {
		return err
	}
	return printJSON(state)
}

// buildEngine assembles the store, event emitter, and worker backend. The
// returned cleanup closes the bus connection when one was made.
func buildEngine(ef *engineFlags, log *logger.Logger) (*orchestrator.Engine, func(), error) {
	store := orchestrator.NewStore(*ef.baseDir)

	var eventBus bus.EventBus
	cleanup := func() {}
	if *ef.natsURL != "" {
		nb, err := bus.NewNATSEventBus(config.NATSConfig{
			URL:           *ef.natsURL,
			ClientID:      "wheelhouse-orchestrator",
			MaxReconnects: 10,
		}, log)
		if err != nil {
			return nil, nil, fmt.Errorf("connect NATS: %w", err)
		}
		eventBus = nb
		cleanup = nb.Close
	}
	emitter := orchestrator.NewEmitter(store, eventBus, log)

	var worker orchestrator.Worker
	switch *ef.workerType {
	case "stub":
		worker = orchestrator.StubWorker{}
	case "agent":
		worker = orchestrator.NewAgentWorker(*ef.agentBinary, log)
	default:
		cleanup()
		return nil, nil, fmt.Errorf("unknown worker type: %s", *ef.workerType)
	}

	engine := orchestrator.NewEngine(store, worker, emitter, log)
	engine.SetCycleWait(*ef.cycleWait)

	if *ef.checkerPath != "" {
		var checker orchestrator.WorkerConfig
		if err := decodeFile(*ef.checkerPath, &checker); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("load checker config: %w", err)
		}
		engine.SetCheckerConfig(&checker)
	}
	return engine, cleanup, nil
}

// runConfig is the single-file form: worker and task plus optional session
// overrides.
type runConfig struct {
	Worker  *orchestrator.WorkerConfig   `json:"worker"`
	Task    *orchestrator.TaskDefinition `json:"task"`
	Checker *orchestrator.WorkerConfig   `json:"checker"`
	Session *sessionOverrides            `json:"session"`
}

type sessionOverrides struct {
	InputPayload     map[string]any `json:"input_payload"`
	MaxCycles        *int           `json:"max_cycles"`
	ResetOnMaxCycles bool           `json:"reset_on_max_cycles"`
	MaxResets        int            `json:"max_resets"`
}

func createSession(engine *orchestrator.Engine, ef *engineFlags) (*orchestrator.RunState, error) {
	req := orchestrator.CreateRequest{
		MaxCycles:        ef.maxCycles,
		ResetOnMaxCycles: *ef.resetOnMaxCycles,
		MaxResets:        *ef.maxResets,
	}

	switch {
	case *ef.configPath != "":
		var rc runConfig
		if err := decodeFile(*ef.configPath, &rc); err != nil {
			return nil, fmt.Errorf("load run config: %w", err)
		}
		if rc.Worker == nil || rc.Task == nil {
			return nil, fmt.Errorf("run config %s needs worker and task sections", *ef.configPath)
		}
		req.Worker = rc.Worker
		req.Task = rc.Task
		if rc.Checker != nil {
			engine.SetCheckerConfig(rc.Checker)
		}
		if s := rc.Session; s != nil {
			req.InputPayload = s.InputPayload
			if s.MaxCycles != nil {
				req.MaxCycles = s.MaxCycles
			}
			if s.ResetOnMaxCycles {
				req.ResetOnMaxCycles = true
			}
			if s.MaxResets > 0 {
				req.MaxResets = s.MaxResets
			}
		}

	case *ef.workerPath != "" && *ef.taskPath != "":
		var worker orchestrator.WorkerConfig
		if err := decodeFile(*ef.workerPath, &worker); err != nil {
			return nil, fmt.Errorf("load worker config: %w", err)
		}
		var task orchestrator.TaskDefinition
		if err := decodeFile(*ef.taskPath, &task); err != nil {
			return nil, fmt.Errorf("load task definition: %w", err)
		}
		req.Worker = &worker
		req.Task = &task

	default:
		return nil, errors.New("need --session, --config, or --worker and --task")
	}

	return engine.CreateSession(req)
}

// decodeFile reads a YAML or JSON file into out. The file is decoded
// through YAML (a JSON superset) and re-marshaled so the struct json tags
// apply either way.
func decodeFile(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	bridge, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	if err := json.Unmarshal(bridge, out); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func newLogger(level, format string) (*logger.Logger, error) {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      level,
		Format:     format,
		OutputPath: "stderr",
	})
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}
	logger.SetDefault(log)
	log.Debug("logger ready", zap.String("level", level))
	return log, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
