package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/relay/internal/agent"
	"github.com/nextlevelbuilder/relay/internal/approval"
	"github.com/nextlevelbuilder/relay/internal/config"
	"github.com/nextlevelbuilder/relay/internal/deploy"
	"github.com/nextlevelbuilder/relay/internal/ingest"
	"github.com/nextlevelbuilder/relay/internal/ledger"
	"github.com/nextlevelbuilder/relay/internal/platform"
	"github.com/nextlevelbuilder/relay/internal/platform/telegram"
	"github.com/nextlevelbuilder/relay/internal/proactive"
	"github.com/nextlevelbuilder/relay/internal/providers"
	"github.com/nextlevelbuilder/relay/internal/store"
	"github.com/nextlevelbuilder/relay/internal/telemetry"
	"github.com/nextlevelbuilder/relay/internal/tools"
	"github.com/nextlevelbuilder/relay/internal/worker"
)

// runEngine composes and runs the whole engine until ctx is canceled.
func runEngine(ctx context.Context) error {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	snap := cfg.Snapshot()

	st, err := openStore(snap.Database)
	if err != nil {
		return err
	}
	defer st.Close()
	logger.Info("store open", "managed", snap.Database.IsManaged())

	telemetryShutdown, err := telemetry.Setup(ctx, snap.Telemetry, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := telemetryShutdown(context.Background()); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	// Two provider handles over the same backend: classification and chat
	// replies may retry transient faults, execution must not repeat calls
	// that may already have fired tools.
	chatProvider, classifyModel, err := providers.FromConfig(snap.Providers, providers.DefaultRetryConfig())
	if err != nil {
		return err
	}
	execProvider, _, err := providers.FromConfig(snap.Providers, providers.NoRetry())
	if err != nil {
		return err
	}

	lg := ledger.New(st, snap.Proactive.DailyTokenLimit, snap.Engine.ReactiveTokenWarnThreshold, logger)

	// The adapter needs its handler at construction, but the handler chain
	// ends at components built later. Late-bind through the pointer.
	var norm *ingest.Normalizer
	handler := func(ctx context.Context, ev platform.Event) {
		if norm != nil {
			norm.HandleEvent(ctx, ev)
		}
	}

	var sender approval.Sender = &logSender{logger: logger}
	var adapter *telegram.Adapter
	if snap.Telegram.Enabled && snap.Telegram.Token != "" {
		adapter, err = telegram.New(snap.Telegram, handler, logger)
		if err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
		sender = adapter
	} else {
		logger.Warn("no chat platform configured, replies go to the log only")
	}

	notify := &ownerNotifier{sender: sender, ownerIDs: snap.Telegram.OwnerIDs, logger: logger}

	registry, err := buildRegistry(st, &snap, logger)
	if err != nil {
		return err
	}
	gate := tools.NewGate(st, registry, snap.Engine.ToolApprovalTimeout(), notify, logger)
	logger.Info("tools registered", "tools", registry.Names())

	brainOpts := []agent.Option{}
	if snap.Proactive.MaxToolIterations > 0 {
		brainOpts = append(brainOpts, agent.WithMaxToolIterations(snap.Proactive.MaxToolIterations))
	}
	if snap.Providers.Anthropic.MaxTokens > 0 {
		brainOpts = append(brainOpts, agent.WithMaxTokens(snap.Providers.Anthropic.MaxTokens))
	}
	brain := agent.New(chatProvider, execProvider, classifyModel, gate, lg, logger, brainOpts...)

	nudger := &poolNudger{}
	coordinator := approval.New(st, sender, cfg, nudger, logger)
	pool := worker.New(st, cfg, brain, brain, brain, coordinator, sender, logger)
	nudger.pool = pool
	norm = ingest.New(st, cfg, coordinator, pool, logger)
	scheduler := proactive.New(st, lg, brain, cfg, notify, logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pool.Run(ctx) })
	g.Go(func() error { return coordinator.Run(ctx) })
	g.Go(func() error { return scheduler.Run(ctx) })
	g.Go(func() error {
		return config.Watch(ctx, cfgPath, cfg, logger, func(next *config.Config) {
			logger.Info("config reloaded")
		})
	})
	if adapter != nil {
		if err := adapter.Start(ctx); err != nil {
			return fmt.Errorf("telegram start: %w", err)
		}
		g.Go(func() error {
			<-ctx.Done()
			return adapter.Stop(context.Background())
		})
	}

	logger.Info("relay running", "version", Version)
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func openStore(db config.DatabaseConfig) (*store.Store, error) {
	if db.IsManaged() {
		return store.Open(store.DriverPostgres, db.PostgresDSN)
	}
	path := config.ExpandHome(db.SQLitePath)
	if path == "" {
		path = config.ExpandHome("~/.relay/relay.db")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return store.Open(store.DriverSQLite, path)
}

// buildRegistry assembles the tool catalog from the config's feature gates.
func buildRegistry(st *store.Store, snap *config.Config, logger *slog.Logger) (*tools.Registry, error) {
	workspace := config.ExpandHome(snap.Tools.Workspace)
	if workspace == "" {
		workspace = config.ExpandHome("~/.relay/workspace")
	}
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}

	registry := tools.NewRegistry()
	restrict := snap.Tools.RestrictToWorkspace
	registry.Register(tools.NewReadFileTool(workspace, restrict))
	registry.Register(tools.NewWriteFileTool(workspace, restrict))
	registry.Register(tools.NewListFilesTool(workspace, restrict))
	registry.Register(tools.NewMemorySaveTool(st))
	registry.Register(tools.NewMemoryGetTool(st))
	registry.Register(tools.NewMemoryDeleteTool(st))
	registry.Register(tools.NewTaskCreateTool(st, store.TaskSourceSelf))
	registry.Register(tools.NewTaskListTool(st))
	registry.Register(tools.NewTaskCompleteTool(st))

	if snap.Tools.ShellEnabled {
		extra, err := tools.CompileDenyPatterns(snap.Tools.ExtraDenyPatterns)
		if err != nil {
			return nil, fmt.Errorf("extra_deny_patterns: %w", err)
		}
		registry.Register(tools.NewShellTool(workspace, extra))
	}
	if snap.Tools.WebFetchEnabled {
		registry.Register(tools.NewWebFetchTool())
	}
	if snap.Deploy.Enabled {
		controller := deploy.New(st, snap.Deploy, logger)
		registry.Register(tools.NewDeployTool(controller))
	}
	return registry, nil
}

// poolNudger defers the pool reference so the coordinator can be built
// before the pool that depends on it.
type poolNudger struct {
	pool *worker.Pool
}

func (n *poolNudger) Nudge() {
	if n.pool != nil {
		n.pool.Nudge()
	}
}

// ownerNotifier sends operator-facing notices to the first configured owner
// chat. On Telegram a private chat id equals the user id.
type ownerNotifier struct {
	sender   approval.Sender
	ownerIDs []string
	logger   *slog.Logger
}

func (o *ownerNotifier) NotifyOwner(ctx context.Context, text string) error {
	if len(o.ownerIDs) == 0 {
		o.logger.Info("owner notice (no owner configured)", "text", text)
		return nil
	}
	_, err := o.sender.SendText(ctx, o.ownerIDs[0], text)
	return err
}

// AnnounceToolRequest surfaces a gated tool request with inline controls so
// the owner can resolve it; the gate polls the request row for the verdict.
func (o *ownerNotifier) AnnounceToolRequest(ctx context.Context, ta *store.ToolApproval) {
	text := fmt.Sprintf("Tool request: %s\nInput: %s", ta.ToolName, ta.Input)
	if ta.Reasoning != "" {
		text += "\nWhy: " + ta.Reasoning
	}
	if len(o.ownerIDs) == 0 {
		o.logger.Warn("tool request has no owner to ask", "tool", ta.ToolName, "request", ta.ID)
		return
	}
	if _, err := o.sender.SendApproval(ctx, o.ownerIDs[0], text, "toolapproval:"+ta.ID.String()); err != nil {
		o.logger.Warn("tool request announcement failed", "tool", ta.ToolName, "error", err)
	}
}

// logSender is the stand-in platform when no adapter is configured.
type logSender struct {
	logger *slog.Logger
}

func (l *logSender) SendText(_ context.Context, chatID, text string) (string, error) {
	l.logger.Info("outbound text", "chat", chatID, "text", text)
	return "", nil
}

func (l *logSender) SendApproval(_ context.Context, chatID, text, approvalRef string) (string, error) {
	l.logger.Info("outbound approval", "chat", chatID, "text", text, "ref", approvalRef)
	return "", nil
}

func (l *logSender) Annotate(_ context.Context, chatID, messageID, text string) error {
	l.logger.Info("outbound annotate", "chat", chatID, "message", messageID, "text", text)
	return nil
}

func (l *logSender) AckCallback(_ context.Context, callbackID, text string) error {
	l.logger.Info("outbound ack", "callback", callbackID, "text", text)
	return nil
}
