// Command agentmesh is the CLI entry point: run a query through the
// execution engine, serve the tool gateway, or validate a raw plan.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	agentmesh "github.com/agentmesh/agentmesh"
	"github.com/agentmesh/agentmesh/config"
	"github.com/agentmesh/agentmesh/gateway"
	"github.com/agentmesh/agentmesh/llms"
	"github.com/agentmesh/agentmesh/logging"
	"github.com/agentmesh/agentmesh/obs"
	"github.com/agentmesh/agentmesh/orchestrator"
	"github.com/agentmesh/agentmesh/plan"
	"github.com/agentmesh/agentmesh/roles"
	"github.com/agentmesh/agentmesh/toolclient"
)

type cli struct {
	Config string `short:"c" default:"agentmesh.yaml" help:"Path to the YAML configuration file."`

	Run          runCmd          `cmd:"" help:"Answer a query through the multi-agent engine."`
	Gateway      gatewayCmd      `cmd:"" help:"Serve the tool gateway."`
	ValidatePlan validatePlanCmd `cmd:"" name:"validate-plan" help:"Validate a raw planner output file."`
	Version      versionCmd      `cmd:"" help:"Print version information."`
}

func main() {
	config.LoadEnvFiles()

	var root cli
	ctx := kong.Parse(&root,
		kong.Name("agentmesh"),
		kong.Description("agentmesh - DAG-scheduled multi-agent execution engine"),
		kong.UsageOnError(),
	)
	ctx.FatalIfErrorf(ctx.Run(&root))
}

// loadConfig reads the YAML config and layers the environment overrides
// on top.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	config.ApplyEnvOverrides(cfg)
	return cfg, nil
}

func buildRoles(cfg *config.Config) (*roles.Registry, error) {
	reg := roles.New()
	for name, override := range cfg.Roles {
		if err := reg.Override(name, override.SystemPrompt, override.ToolServers); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// firstAdapter builds the adapter for the LLM entry named "default" when
// present; otherwise for one configured entry taken in map iteration
// order, which is not fixed between runs.
func firstAdapter(cfg *config.Config) (llms.Adapter, error) {
	reg := llms.NewRegistry()
	if llmCfg, ok := cfg.LLMs["default"]; ok {
		return reg.CreateFromConfig("default", llmCfg)
	}
	for name, llmCfg := range cfg.LLMs {
		return reg.CreateFromConfig(name, llmCfg)
	}
	return nil, fmt.Errorf("no llms configured; add an llms section to the config")
}

type runCmd struct {
	Query      string `arg:"" help:"The query to answer."`
	GatewayURL string `help:"Tool gateway base URL; omit to run tool-less." env:"AGENTMESH_GATEWAY_URL"`
	JSON       bool   `help:"Print the full run result as JSON."`
}

func (c *runCmd) Run(root *cli) error {
	cfg, err := loadConfig(root.Config)
	if err != nil {
		return err
	}

	log := logging.New(logging.Options{Level: cfg.Global.Logging.Level, Format: cfg.Global.Logging.Format})
	provider, err := obs.New("agentmesh", log)
	if err != nil {
		return err
	}
	defer provider.Shutdown(context.Background())

	adapter, err := firstAdapter(cfg)
	if err != nil {
		return err
	}
	defer adapter.Close()

	roleReg, err := buildRoles(cfg)
	if err != nil {
		return err
	}

	var tools *toolclient.Client
	if c.GatewayURL != "" {
		tools = toolclient.New(c.GatewayURL, log)
	}

	o := orchestrator.New(orchestrator.Options{
		Adapter: adapter,
		Tools:   tools,
		Roles:   roleReg,
		Config:  cfg.Scheduler,
		Logger:  log,
		Tracer:  provider.Tracer,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := o.Run(ctx, c.Query, nil)
	if err != nil {
		return err
	}

	if c.JSON {
		return json.NewEncoder(os.Stdout).Encode(result)
	}
	fmt.Println(result.FinalOutput)
	fmt.Fprintf(os.Stderr, "\n[%d agents, %d layers, %d tokens, session %s]\n",
		result.AgentCount, result.LayerCount, result.Tokens.Total.TotalTokens, result.SessionID)
	return nil
}

type gatewayCmd struct {
	Serve gatewayServeCmd `cmd:"" default:"withargs" help:"Start the gateway HTTP server."`
}

type gatewayServeCmd struct{}

func (c *gatewayServeCmd) Run(root *cli) error {
	cfg, err := loadConfig(root.Config)
	if err != nil {
		return err
	}

	log := logging.New(logging.Options{Level: cfg.Global.Logging.Level, Format: cfg.Global.Logging.Format})
	provider, err := obs.New("agentmesh-gateway", log)
	if err != nil {
		return err
	}
	defer provider.Shutdown(context.Background())

	g := gateway.New(cfg.Gateway, log, provider.Prometheus)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// YAML-declared backends first, then MCP_<NAME>_URL env values replace
	// the base URL of those declared backends; env values for names the
	// YAML does not declare are not read.
	names := make([]string, 0, len(cfg.Backends))
	for name, backendCfg := range cfg.Backends {
		names = append(names, name)
		if err := g.RegisterBackend(ctx, backendCfg); err != nil {
			log.Warn("backend registration failed", "backend", name, "error", err)
		}
	}
	for name, url := range config.BackendURLsFromEnv(names) {
		backendCfg := cfg.Backends[name]
		backendCfg.Name = name
		backendCfg.BaseURL = url
		backendCfg.Enabled = true
		if err := g.RegisterBackend(ctx, backendCfg); err != nil {
			log.Warn("env backend registration failed", "backend", name, "error", err)
		}
	}

	g.Start()
	defer g.Stop()

	addr := fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port)
	server := &http.Server{Addr: addr, Handler: g.Handler(provider.Prometheus)}

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()
	log.Info("gateway listening", "addr", addr, "backends", len(cfg.Backends))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		log.Info("shutting down")
		return server.Shutdown(context.Background())
	}
}

type validatePlanCmd struct {
	File  string `arg:"" help:"File holding the raw planner output."`
	Query string `help:"Query used for fallback selection." default:""`
}

func (c *validatePlanCmd) Run(root *cli) error {
	raw, err := os.ReadFile(c.File)
	if err != nil {
		return err
	}

	validator := plan.NewValidator(roles.New(), nil)
	outcome := validator.Validate(string(raw), c.Query, 0)

	layers := plan.ComputeLayers(outcome.Plan)
	report := map[string]interface{}{
		"fallback":       outcome.IsFallback,
		"rejected_roles": outcome.RejectedRoles,
		"plan":           outcome.Plan,
		"layers":         layers,
	}
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(report)
}

type versionCmd struct{}

func (c *versionCmd) Run(root *cli) error {
	fmt.Println(agentmesh.GetVersion().String())
	return nil
}
