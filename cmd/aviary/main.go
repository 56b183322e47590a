package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aviary-ai/aviary/ai/agents/orchestrator"
	"github.com/aviary-ai/aviary/ai/core/llm"
	"github.com/aviary-ai/aviary/ai/memory"
	"github.com/aviary-ai/aviary/ai/metrics"
	"github.com/aviary-ai/aviary/ai/routing"
	"github.com/aviary-ai/aviary/internal/profile"
	"github.com/aviary-ai/aviary/internal/version"
	"github.com/aviary-ai/aviary/plugin/chat_apps/channels"
	"github.com/aviary-ai/aviary/plugin/chat_apps/channels/httpchan"
	"github.com/aviary-ai/aviary/plugin/chat_apps/channels/telegram"
	"github.com/aviary-ai/aviary/server"
	"github.com/aviary-ai/aviary/store"
	"github.com/aviary-ai/aviary/store/db/sqlite"
)

var rootCmd = &cobra.Command{
	Use:     "aviary",
	Short:   `A multi-bot conversation service: one lead bot answers, observer bots decide when to join, and everything they learn lands in a per-user semantic memory.`,
	Version: version.StringFull(),
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		// Only load .env for direct binary execution (not when running as
		// a systemd service, which injects its own environment).
		if !isRunningAsSystemdService() {
			_ = godotenv.Load()
		}
		return nil
	},
	Run: func(_ *cobra.Command, _ []string) {
		instanceProfile := &profile.Profile{}
		instanceProfile.FromEnv()
		// Flags win over the environment for the fields they cover.
		instanceProfile.Mode = viper.GetString("mode")
		instanceProfile.Addr = viper.GetString("addr")
		instanceProfile.Port = viper.GetInt("port")
		instanceProfile.Data = viper.GetString("data")
		if dsn := viper.GetString("dsn"); dsn != "" {
			instanceProfile.DSN = dsn
		}
		if rolesFile := viper.GetString("roles-file"); rolesFile != "" {
			instanceProfile.RolesFile = rolesFile
		}
		instanceProfile.Version = version.String()
		if err := instanceProfile.Validate(); err != nil {
			slog.Error("invalid configuration", "error", err)
			os.Exit(1)
		}

		ctx, cancel := context.WithCancel(context.Background())
		rt, err := buildRuntime(ctx, instanceProfile)
		if err != nil {
			cancel()
			slog.Error("failed to assemble service", "error", err)
			os.Exit(1)
		}

		c := make(chan os.Signal, 1)
		// Trigger graceful shutdown on SIGINT or SIGTERM. SIGTERM is what
		// most process managers (systemd, kubernetes) send first.
		signal.Notify(c, terminationSignals...)

		go func() {
			if err := rt.server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("gateway stopped", "error", err)
				cancel()
			}
		}()

		printGreetings(instanceProfile, rt)

		go func() {
			<-c
			rt.shutdown(ctx)
			cancel()
		}()

		<-ctx.Done()
	},
}

// runtime holds the assembled components in shutdown order.
type runtime struct {
	server       *server.Server
	orchestrator *orchestrator.Orchestrator
	adapters     []channels.ChatChannel
	memory       *memory.Store
	recorder     *store.Store
	botCount     int
}

// buildRuntime wires the service: embeddings, the completion provider, the
// memory store, the transcript recorder, the orchestrator with its bots and
// channel adapters, and finally the gateway.
func buildRuntime(ctx context.Context, p *profile.Profile) (*runtime, error) {
	exporter := metrics.NewExporter(metrics.DefaultConfig())

	embed, err := memory.NewEmbeddingService(memory.EmbeddingConfig{
		Provider:   p.EmbeddingProvider,
		APIKey:     p.EmbeddingAPIKey,
		BaseURL:    p.EmbeddingBaseURL,
		Model:      p.EmbeddingModel,
		Dimensions: p.EmbeddingDimensions,
	}, exporter)
	if err != nil {
		return nil, err
	}

	var provider llm.Provider
	if p.IsAIEnabled() {
		provider, err = llm.NewProvider(llm.Config{
			Provider:    p.LLMProvider,
			APIKey:      p.LLMAPIKey,
			BaseURL:     p.LLMBaseURL,
			Model:       p.LLMModel,
			Timeout:     p.LLMTimeout,
			MaxAttempts: p.LLMMaxAttempts,
		}, exporter)
		if err != nil {
			return nil, err
		}
	} else {
		slog.Warn("LLM_API_KEY is not set, bots are disabled; memory and admin endpoints stay up")
	}

	var resolver *memory.ConflictResolver
	if provider != nil {
		resolver = memory.NewConflictResolver(provider, exporter)
	}
	digest := memory.NewDigestWriter(p.MemoryDir)
	memStore, err := memory.NewStore(memory.StoreConfig{
		Dir:               p.MemoryDir,
		SaveDebounce:      time.Duration(p.SaveDebounceMS) * time.Millisecond,
		MaxVectorsPerUser: p.MaxVectorsPerUser,
	}, embed, resolver, exporter, digest)
	if err != nil {
		return nil, err
	}

	// Transcripts are best-effort: a broken database degrades to a no-op
	// recorder instead of blocking boot.
	driver, err := sqlite.NewDB(p.DSN)
	if err != nil {
		slog.Warn("transcript store unavailable, continuing without persistence",
			"dsn", p.DSN, "error", err)
		driver = store.NewNoopDriver()
	}
	recorder := store.New(driver)

	rt := &runtime{
		memory:   memStore,
		recorder: recorder,
	}

	httpChannel := httpchan.New(httpchan.Config{})
	rt.adapters = append(rt.adapters, httpChannel)

	if provider != nil {
		registry := routing.NewRegistry()
		router := routing.NewRouter(provider, registry, p.IntentThreshold)
		orch := orchestrator.New(orchestrator.Config{
			QueueSize:           p.QueueSize,
			WorkerLimit:         int64(p.WorkerLimit),
			ParticipationMaxAge: time.Duration(p.ParticipationMaxAgeMS) * time.Millisecond,
		}, provider, router, registry, memStore, exporter)

		roles, err := loadBotRoles(p)
		if err != nil {
			return nil, err
		}
		for _, role := range roles {
			if err := orch.AddBot(role); err != nil {
				return nil, err
			}
		}
		rt.botCount = len(roles)

		// Start before attaching adapters so the first polled message
		// already finds a running orchestrator.
		if err := orch.Start(ctx); err != nil {
			return nil, err
		}

		orch.Attach(httpChannel)
		for _, slot := range p.Bots {
			if slot.Token == "" {
				continue
			}
			tg, err := telegram.New(telegram.Config{
				BotToken:     slot.Token,
				AllowedChats: slot.Channels,
			})
			if err != nil {
				return nil, err
			}
			orch.Attach(tg)
			tg.Start(ctx)
			rt.adapters = append(rt.adapters, tg)
			slog.Info("telegram adapter started", "bot", slot.Name)
		}
		rt.orchestrator = orch
	}

	s, err := server.NewServer(ctx, p, server.Dependencies{
		Memory:       memStore,
		Digest:       digest,
		Orchestrator: rt.orchestrator,
		HTTPChannel:  httpChannel,
		Recorder:     recorder,
		Exporter:     exporter,
	})
	if err != nil {
		return nil, err
	}
	rt.server = s
	return rt, nil
}

// loadBotRoles resolves the configured bot slots against the roles file.
// Without slots the service runs a single lead assistant.
func loadBotRoles(p *profile.Profile) ([]orchestrator.RoleConfig, error) {
	defaultLead := orchestrator.RoleConfig{
		Name:        "assistant",
		Description: "A helpful general-purpose assistant that answers every user question directly.",
		Strategy:    orchestrator.StrategyAlwaysOnUserQuestion,
	}

	byName := map[string]orchestrator.RoleConfig{}
	if p.RolesFile != "" {
		defined, err := orchestrator.LoadRoles(p.RolesFile)
		if err != nil {
			return nil, err
		}
		for _, role := range defined {
			byName[role.Name] = role
		}
	}

	if len(p.Bots) == 0 {
		return []orchestrator.RoleConfig{defaultLead}, nil
	}

	roles := make([]orchestrator.RoleConfig, 0, len(p.Bots))
	for _, slot := range p.Bots {
		role, ok := byName[slot.Role]
		if !ok {
			if len(byName) > 0 {
				return nil, fmt.Errorf("bot %q references role %q which the roles file does not define", slot.Name, slot.Role)
			}
			role = defaultLead
		}
		role.Name = slot.Name
		roles = append(roles, role)
	}
	return roles, nil
}

// shutdown tears components down in dependency order: stop accepting
// requests, drain the bots, close the adapters, flush memory, close the
// recorder.
func (rt *runtime) shutdown(ctx context.Context) {
	rt.server.Shutdown(ctx)
	if rt.orchestrator != nil {
		if err := rt.orchestrator.Shutdown(ctx); err != nil {
			slog.Error("orchestrator shutdown incomplete", "error", err)
		}
	}
	for _, adapter := range rt.adapters {
		if err := adapter.Close(); err != nil {
			slog.Error("adapter close failed", "adapter", adapter.Name(), "error", err)
		}
	}
	if err := rt.memory.Shutdown(); err != nil {
		slog.Error("memory store shutdown incomplete", "error", err)
	}
	if err := rt.recorder.Close(); err != nil {
		slog.Error("recorder close failed", "error", err)
	}
}

func init() {
	viper.SetDefault("mode", "dev")
	viper.SetDefault("port", 28080)

	rootCmd.PersistentFlags().String("mode", "dev", `mode of server, can be "prod" or "dev"`)
	rootCmd.PersistentFlags().String("addr", "", "address of server")
	rootCmd.PersistentFlags().Int("port", 28080, "port of server")
	rootCmd.PersistentFlags().String("data", "", "data directory")
	rootCmd.PersistentFlags().String("dsn", "", "transcript database path")
	rootCmd.PersistentFlags().String("roles-file", "", "path to the YAML bot role definitions")

	for _, flag := range []string{"mode", "addr", "port", "data", "dsn", "roles-file"} {
		if err := viper.BindPFlag(flag, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("aviary")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
}

func printGreetings(p *profile.Profile, rt *runtime) {
	fmt.Printf("Aviary %s started successfully!\n", p.Version)

	if p.IsDev() {
		fmt.Fprint(os.Stderr, "Development mode is enabled\n")
	}

	fmt.Printf("Mode: %s\n", p.Mode)
	fmt.Printf("Data directory: %s\n", p.Data)
	fmt.Printf("Transcript database: %s\n", p.DSN)
	if rt.orchestrator != nil {
		fmt.Printf("Bots: %d\n", rt.botCount)
	} else {
		fmt.Println("Bots: disabled (no LLM_API_KEY)")
	}

	if len(p.Addr) == 0 {
		fmt.Printf("Gateway listening on port %d\n", p.Port)
		fmt.Printf("Chat at: http://localhost:%d/chat\n", p.Port)
	} else {
		fmt.Printf("Gateway listening on %s:%d\n", p.Addr, p.Port)
	}
}

// isRunningAsSystemdService detects if the process is running under systemd.
func isRunningAsSystemdService() bool {
	return os.Getenv("INVOCATION_ID") != "" || os.Getenv("WATCHDOG_USEC") != ""
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		panic(err)
	}
}
