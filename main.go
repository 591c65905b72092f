package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"openvia/pkg/agent"
	"openvia/pkg/api"
	"openvia/pkg/channels"
	_ "openvia/pkg/channels/autoload" // Auto-register Channels
	"openvia/pkg/config"
	"openvia/pkg/gateway"
	"openvia/pkg/llm"
	_ "openvia/pkg/llm/autoload" // Auto-register LLM Providers
	"openvia/pkg/monitor"
	"openvia/pkg/permission"
	"openvia/pkg/policy"
	"openvia/pkg/session"
	"openvia/pkg/tools"
	ostools "openvia/pkg/tools/os" // Aliased to avoid conflict with "os"
)

func main() {
	// Create context listening for system signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initial configuration load to get log level before loop
	// This acts as a fallback or initial console setup.
	_, sysCfg, err := config.Load()
	if err == nil {
		monitor.SetupEnvironment(sysCfg.LogLevel)
	}

	reloadCh := config.WatchConfig(ctx, "config.json", "system.json")

	for {
		err := runAgent(ctx, reloadCh)

		if err != nil {
			slog.Error("System crashed or failed to load config", "error", err)
			slog.Info("Waiting 5 seconds before retrying...")
			// Wait for 5 seconds, or for a file change, or user interrupt
			select {
			case <-ctx.Done():
				return
			case <-reloadCh:
				slog.Info("Configuration change detected while waiting. Retrying immediately...")
			case <-time.After(5 * time.Second):
			}
		} else {
			// Normal exit from runAgent (either manual exit or config reloaded)
			select {
			case <-ctx.Done():
				return // User requested exit
			default:
				slog.Info("==== Configuration Reloaded ====")
			}
		}
	}
}

// runAgent executes a single lifecycle of the gateway: it builds every
// component fresh from the current configuration, runs until shutdown or a
// config change is detected, then tears everything down so the outer loop
// can rebuild from scratch on reload.
func runAgent(ctx context.Context, reloadCh <-chan struct{}) error {
	// --- 0. Load Configuration ---
	cfg, sysCfg, err := config.Load()
	if err != nil {
		monitor.PrintBanner()
		monitor.SetupSlog("info")
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// --- 0a. Setup Environment (logger + monitor) ---
	m := monitor.SetupEnvironment(sysCfg.LogLevel)
	slog.Info("==========================================")

	// --- 1. Core Services ---
	sessionManager := session.NewManager(sysCfg.MaxHistory, time.Duration(sysCfg.SessionTimeoutMinutes)*time.Minute)
	sweepDone := make(chan struct{})
	sessionManager.Run(sweepDone, time.Duration(sysCfg.SessionSweepIntervalMinutes)*time.Minute)

	policyEngine := policy.NewEngine(convertPolicyRules(sysCfg.PolicyRules), sysCfg.ShellConfirmList)

	bridge := permission.NewBridge()

	// --- 2. LLM Client ---
	client, err := llm.NewFromConfig(cfg.LLM, sysCfg)
	if err != nil {
		close(sweepDone)
		return fmt.Errorf("failed to init LLM client: %w", err)
	}

	// --- 3. Tool Registry ---
	osWorker := ostools.NewWorker()
	registry := tools.NewRegistry()
	registry.RegisterAll(
		tools.NewShellTool(osWorker),
		tools.NewReadFileTool(),
		tools.NewWriteFileTool(),
		tools.NewEditFileTool(),
		tools.NewListSkillsTool(sysCfg.SkillsDir),
		tools.NewReadSkillTool(sysCfg.SkillsDir),
		tools.NewScreenshotTool(osWorker),
	)
	if !sysCfg.EnableTools {
		registry = tools.NewRegistry()
	}

	// --- 4. Agent Orchestrator & Handler ---
	orchestrator := &agent.Orchestrator{
		Client:        client,
		Tools:         registry,
		Policy:        policyEngine,
		Bridge:        bridge,
		Sessions:      sessionManager,
		SystemPrompt:  cfg.SystemPrompt,
		MaxIterations: sysCfg.MaxIterations,
	}
	h := agent.NewHandler(orchestrator, sessionManager)

	// --- 5. Channels ---
	chs := channels.NewSource(cfg.Channels, sysCfg, bridge).Load()

	// --- 6. Gateway Initialization ---
	gw, err := gateway.NewGatewayBuilder().
		WithSystemConfig(sysCfg).
		WithMonitor(m).
		WithChannel(chs...).
		WithHandler(h).
		Build()

	if err != nil {
		close(sweepDone)
		return fmt.Errorf("failed to build gateway: %w", err)
	}

	// --- 7. Wire the Permission Bridge back to whichever channel
	// originated the request. ---
	bridge.RegisterHandler(permissionDispatcher(gw))

	// Wait for shutdown signal or reload signal
	select {
	case <-ctx.Done():
		slog.Info("Received shutdown signal. Stopping services...")
		gw.StopAll()
		close(sweepDone)
		slog.Info("Bye!")
		return nil
	case <-reloadCh:
		slog.Info("Configuration changes detected, stopping services...")
		gw.StopAll()
		close(sweepDone)

		slog.Info("Draining connections before restart...")
		time.Sleep(1 * time.Second)

		// Let runAgent return nil to trigger outer loop restart
		return nil
	}
}

// permissionDispatcher builds the permission.Handler that routes an
// outstanding approval request to the channel it originated from. Channels
// that don't implement api.PermissionChannel are left to resolve the
// request through their own side channel; this dispatcher only has work to
// do for channels implementing the interface (Telegram and web both do).
func permissionDispatcher(gw *gateway.GatewayManager) permission.Handler {
	return func(req permission.Request) {
		ch, ok := gw.GetChannel(req.Context.ChannelID)
		if !ok {
			slog.Warn("permission request for unknown channel, leaving unresolved", "channel", req.Context.ChannelID)
			return
		}

		pc, ok := ch.(api.PermissionChannel)
		if !ok {
			// Channel has no structured delivery mechanism; it is expected
			// to resolve the request through its own free-text path.
			return
		}

		sess := api.SessionContext{
			ChannelID: req.Context.ChannelID,
			UserID:    req.Context.UserID,
			ChatID:    req.Context.ChatID,
		}
		if err := pc.SendPermissionRequest(sess, req.ID, req.Prompt); err != nil {
			slog.Error("failed to deliver permission request", "channel", req.Context.ChannelID, "error", err)
		}
	}
}

// convertPolicyRules adapts the config-layer wire shape into policy.Rule,
// kept as separate types so pkg/config never imports pkg/policy.
func convertPolicyRules(rules []config.PolicyRuleConfig) []policy.Rule {
	out := make([]policy.Rule, 0, len(rules))
	for _, r := range rules {
		out = append(out, policy.Rule{ToolPattern: r.ToolPattern, Decision: r.Decision, Reason: r.Reason})
	}
	return out
}
