package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/drovekit/drover/pkg/api"
	"github.com/drovekit/drover/pkg/client"
	"github.com/drovekit/drover/pkg/config"
	"github.com/drovekit/drover/pkg/coordinator"
	"github.com/drovekit/drover/pkg/log"
	"github.com/drovekit/drover/pkg/provider"
	"github.com/drovekit/drover/pkg/types"
	"github.com/drovekit/drover/pkg/worker"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "drover",
	Short: "Drover - distributed job orchestration",
	Long: `Drover runs batch jobs on pools of ephemeral workers.

The orchestrator keeps a priority job queue, scales worker pools
against provider capacity, and streams artifacts to workers over a
persistent channel, skipping content a worker already caches.`,
	Version: Version,
}

func init() {
	// Set version template
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Drover version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("server", defaultServer(), "Orchestrator API base URL")

	// Add subcommands
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(poolCmd)
	rootCmd.AddCommand(jobCmd)
	rootCmd.AddCommand(artifactCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(statusCmd)
}

func defaultServer() string {
	if v := os.Getenv("DROVER_SERVER"); v != "" {
		return v
	}
	return "http://127.0.0.1:7740"
}

func apiClient(cmd *cobra.Command) *client.Client {
	server, _ := cmd.Flags().GetString("server")
	return client.New(server)
}

// Serve command

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator",
	Long: `Start the drover orchestrator: job queue, pool manager, worker
channel hub, auto-scaler, resource monitor, and the HTTP API.

Configuration comes from drover.yaml (or --config) with DROVER_*
environment overrides; the flags below beat both.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringP("config", "c", "", "Config file (default drover.yaml in . or /etc/drover)")
	serveCmd.Flags().String("listen", "", "HTTP/websocket bind address")
	serveCmd.Flags().String("data-dir", "", "Data directory for state and artifacts")
	serveCmd.Flags().StringSlice("provider", nil, "Enabled providers (containerd, cluster, simulated)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if v, _ := cmd.Flags().GetString("listen"); v != "" {
		cfg.Listen = v
	}
	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.DataDir = v
	}
	if v, _ := cmd.Flags().GetStringSlice("provider"); len(v) > 0 {
		cfg.Providers = v
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: !cfg.Log.Pretty,
	})

	providers, err := buildProviders(cfg)
	if err != nil {
		return err
	}

	coord, err := coordinator.New(coordinator.Config{
		DataDir:           cfg.DataDir,
		OrchestratorURL:   orchestratorURL(cfg),
		Providers:         providers,
		QueueSize:         cfg.Queue.MaxSize,
		MaxRetries:        cfg.Queue.MaxRetries,
		FailExpired:       cfg.Queue.FailExpired,
		HeartbeatInterval: cfg.Hub.HeartbeatInterval,
		ChunkDelay:        cfg.Hub.ChunkDelay,
		Compression:       types.CompressionType(cfg.Hub.Compression),
		AutoscaleInterval: cfg.Autoscale.Interval,
		MetricsInterval:   cfg.Metrics.Interval,
		MonitorInterval:   cfg.Monitor.Interval,
		ReconcileInterval: cfg.Reconcile.Interval,
		ShutdownGrace:     cfg.ShutdownGrace,
	})
	if err != nil {
		return fmt.Errorf("failed to create coordinator: %w", err)
	}
	if err := coord.Start(context.Background()); err != nil {
		return fmt.Errorf("failed to start coordinator: %w", err)
	}

	srv := api.NewServer(api.Config{
		Coordinator: coord,
		Listen:      cfg.Listen,
		Version:     Version,
	})
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- fmt.Errorf("API server error: %w", err)
		}
	}()

	fmt.Printf("Orchestrator listening on %s. Press Ctrl+C to stop.\n", cfg.Listen)

	// Wait for interrupt signal or API server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		fmt.Println("\nShutting down...")
	case err := <-errCh:
		fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace+10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "API shutdown: %v\n", err)
	}
	if err := coord.Shutdown(); err != nil {
		return fmt.Errorf("failed to shutdown: %w", err)
	}

	fmt.Println("✓ Shutdown complete")
	return nil
}

func buildProviders(cfg *config.Config) ([]provider.Provider, error) {
	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("no providers enabled")
	}
	providers := make([]provider.Provider, 0, len(cfg.Providers))
	for _, name := range cfg.Providers {
		switch name {
		case "containerd":
			p, err := provider.NewContainerdProvider(provider.ContainerdConfig{
				Address:     cfg.Containerd.Address,
				Namespace:   cfg.Containerd.Namespace,
				TotalCPU:    cfg.Containerd.TotalCPU,
				TotalMemory: cfg.Containerd.TotalMemory,
			})
			if err != nil {
				return nil, fmt.Errorf("containerd provider: %w", err)
			}
			providers = append(providers, p)
		case "cluster":
			p, err := provider.NewClusterProvider(provider.ClusterConfig{
				Endpoint: cfg.Cluster.Endpoint,
				APIToken: cfg.Cluster.APIToken,
			})
			if err != nil {
				return nil, fmt.Errorf("cluster provider: %w", err)
			}
			providers = append(providers, p)
		case "simulated":
			p, err := provider.NewSimulatedProvider(provider.SimulatedConfig{
				TotalCPU:    cfg.Simulated.TotalCPU,
				TotalMemory: cfg.Simulated.TotalMemory,
			})
			if err != nil {
				return nil, fmt.Errorf("simulated provider: %w", err)
			}
			providers = append(providers, p)
		default:
			return nil, fmt.Errorf("unknown provider %q", name)
		}
	}
	return providers, nil
}

// orchestratorURL is the endpoint provisioned workers dial. An explicit
// setting wins; otherwise a loopback URL is derived from Listen.
func orchestratorURL(cfg *config.Config) string {
	if cfg.OrchestratorURL != "" {
		return cfg.OrchestratorURL
	}
	listen := cfg.Listen
	if listen == "" {
		listen = config.DefaultListenAddr
	}
	_, port, err := net.SplitHostPort(listen)
	if err != nil || port == "" {
		port = strings.TrimPrefix(config.DefaultListenAddr, ":")
	}
	return "http://127.0.0.1:" + port
}

// Worker command

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a worker agent",
	Long: `Run the agent inside a provisioned worker.

Connection settings default to the DROVER_* environment the provider
injects at worker creation; the flags below override them for local
development. Transport failures reconnect with backoff until the
process is interrupted.`,
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().String("orchestrator-url", "", "Orchestrator endpoint (default $DROVER_ORCHESTRATOR_URL)")
	workerCmd.Flags().String("worker-id", "", "Worker ID (default $DROVER_WORKER_ID)")
	workerCmd.Flags().String("pool-id", "", "Pool ID (default $DROVER_POOL_ID)")
	workerCmd.Flags().String("token", "", "Join token (default $DROVER_JOIN_TOKEN)")
	workerCmd.Flags().String("data-dir", "", "Cache and workspace directory")
	workerCmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg := worker.ConfigFromEnv()
	if v, _ := cmd.Flags().GetString("orchestrator-url"); v != "" {
		cfg.OrchestratorURL = v
	}
	if v, _ := cmd.Flags().GetString("worker-id"); v != "" {
		cfg.WorkerID = v
	}
	if v, _ := cmd.Flags().GetString("pool-id"); v != "" {
		cfg.PoolID = v
	}
	if v, _ := cmd.Flags().GetString("token"); v != "" {
		cfg.Token = v
	}
	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.DataDir = v
	}

	level, _ := cmd.Flags().GetString("log-level")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: true})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Each attempt gets a fresh agent; a session that ends cleanly or a
	// cancelled context stops the loop, transport errors retry.
	backoff := time.Second
	for {
		agent, err := worker.New(cfg)
		if err != nil {
			return err
		}
		runErr := agent.Run(ctx)
		agent.Close()
		if runErr == nil || ctx.Err() != nil {
			return nil
		}

		fmt.Fprintf(os.Stderr, "Connection lost: %v (retrying in %s)\n", runErr, backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

// Pool commands

var poolCmd = &cobra.Command{
	Use:   "pool",
	Short: "Manage worker pools",
}

var poolCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create a worker pool",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		providerName, _ := cmd.Flags().GetString("provider")
		image, _ := cmd.Flags().GetString("image")
		cpu, _ := cmd.Flags().GetString("cpu")
		memory, _ := cmd.Flags().GetString("memory")
		minWorkers, _ := cmd.Flags().GetInt("min")
		maxWorkers, _ := cmd.Flags().GetInt("max")
		cooldown, _ := cmd.Flags().GetString("cooldown")
		caps, _ := cmd.Flags().GetStringToString("capability")

		resp, err := apiClient(cmd).CreatePool(&api.CreatePoolRequest{
			Name:     name,
			Provider: providerName,
			Template: &types.WorkerTemplate{
				Name:         name,
				Image:        image,
				Resources:    types.ResourceRequests{CPU: cpu, Memory: memory},
				Capabilities: caps,
			},
			Policy: api.ScalingPolicyRequest{
				MinWorkers: minWorkers,
				MaxWorkers: maxWorkers,
				Cooldown:   cooldown,
			},
		})
		if err != nil {
			return err
		}
		return reportPoolOutcome(resp)
	},
}

var poolListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pools",
	RunE: func(cmd *cobra.Command, args []string) error {
		pools, err := apiClient(cmd).ListPools()
		if err != nil {
			return err
		}
		if len(pools) == 0 {
			fmt.Println("No pools")
			return nil
		}
		sort.Slice(pools, func(i, j int) bool { return pools[i].Name < pools[j].Name })
		fmt.Printf("%-16s %-12s %-13s %9s %8s %8s\n",
			"NAME", "PROVIDER", "STATUS", "MIN-MAX", "CURRENT", "DESIRED")
		for _, p := range pools {
			fmt.Printf("%-16s %-12s %-13s %4d-%-4d %8d %8d\n",
				p.Name, p.Provider, p.Status,
				p.Policy.MinWorkers, p.Policy.MaxWorkers,
				p.CurrentSize, p.DesiredSize)
		}
		return nil
	},
}

var poolGetCmd = &cobra.Command{
	Use:   "get POOL",
	Short: "Show a pool and its workers",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient(cmd)
		p, err := c.GetPool(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Name:      %s\n", p.Name)
		fmt.Printf("ID:        %s\n", p.ID)
		fmt.Printf("Provider:  %s\n", p.Provider)
		fmt.Printf("Status:    %s\n", p.Status)
		fmt.Printf("Image:     %s\n", p.Template.Image)
		fmt.Printf("Size:      %d current, %d desired (min %d, max %d)\n",
			p.CurrentSize, p.DesiredSize, p.Policy.MinWorkers, p.Policy.MaxWorkers)
		fmt.Printf("Created:   %s\n", p.CreatedAt.Format(time.RFC3339))

		workers, err := c.ListWorkers(p.ID)
		if err != nil {
			return err
		}
		if len(workers) == 0 {
			return nil
		}
		fmt.Println()
		fmt.Printf("%-38s %-18s %-13s %5s %-12s\n", "WORKER", "NAME", "STATUS", "JOBS", "SESSION")
		for _, w := range workers {
			session := w.SessionState
			if session == "" {
				session = "-"
			}
			fmt.Printf("%-38s %-18s %-13s %5d %-12s\n",
				w.ID, w.Name, w.Status, w.ActiveJobs, session)
		}
		return nil
	},
}

var poolScaleCmd = &cobra.Command{
	Use:   "scale POOL TARGET",
	Short: "Scale a pool to a target size",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		target, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("target must be a number: %v", err)
		}
		reason, _ := cmd.Flags().GetString("reason")
		force, _ := cmd.Flags().GetBool("force")

		resp, err := apiClient(cmd).ScalePool(args[0], target, reason, force)
		if err != nil {
			return err
		}
		switch resp.Outcome {
		case "scaled":
			fmt.Printf("✓ Pool scaled: %d -> %d\n", resp.From, resp.To)
		case "partial":
			fmt.Printf("Pool partially scaled: %d -> %d of %d (%s)\n",
				resp.From, resp.To, resp.Target, resp.Reason)
		case "no-action-needed":
			fmt.Printf("Pool already at %d workers\n", resp.To)
		case "resource-constrained":
			return fmt.Errorf("insufficient capacity: %s", resp.Reason)
		default:
			return fmt.Errorf("scale failed: %s", resp.Error)
		}
		return nil
	},
}

var poolDrainCmd = &cobra.Command{
	Use:   "drain POOL",
	Short: "Drain a pool",
	Long: `Drain a pool: running jobs finish, no new work is dispatched,
and workers are removed as they go idle.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient(cmd).DrainPool(args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Pool draining: %s\n", args[0])
		return nil
	},
}

var poolDeleteCmd = &cobra.Command{
	Use:   "delete POOL",
	Short: "Delete a pool and its workers",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient(cmd).DeletePool(args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Pool deleted: %s\n", args[0])
		return nil
	},
}

func init() {
	poolCmd.AddCommand(poolCreateCmd)
	poolCmd.AddCommand(poolListCmd)
	poolCmd.AddCommand(poolGetCmd)
	poolCmd.AddCommand(poolScaleCmd)
	poolCmd.AddCommand(poolDrainCmd)
	poolCmd.AddCommand(poolDeleteCmd)

	poolCreateCmd.Flags().String("provider", "simulated", "Worker backend")
	poolCreateCmd.Flags().String("image", "", "Worker image")
	poolCreateCmd.Flags().String("cpu", "500m", "CPU per worker")
	poolCreateCmd.Flags().String("memory", "256Mi", "Memory per worker")
	poolCreateCmd.Flags().Int("min", 0, "Minimum workers")
	poolCreateCmd.Flags().Int("max", 5, "Maximum workers")
	poolCreateCmd.Flags().String("cooldown", "", "Delay between scaling actions, e.g. 2m")
	poolCreateCmd.Flags().StringToString("capability", nil, "Worker capability, e.g. build=true")
	poolCreateCmd.MarkFlagRequired("image")

	poolScaleCmd.Flags().String("reason", "manual scale", "Reason recorded with the scaling event")
	poolScaleCmd.Flags().Bool("force", false, "Ignore the policy cooldown")
}

func reportPoolOutcome(resp *api.CreatePoolResponse) error {
	switch resp.Outcome {
	case "created":
		fmt.Printf("✓ Pool created: %s (ID: %s)\n", resp.Pool.Name, resp.Pool.ID)
		return nil
	case "invalid-configuration":
		for _, e := range resp.ValidationErrors {
			fmt.Fprintf(os.Stderr, "  - %s\n", e)
		}
		return fmt.Errorf("pool configuration rejected")
	case "resource-constrained":
		for _, f := range resp.Factors {
			fmt.Fprintf(os.Stderr, "  - %s\n", f)
		}
		return fmt.Errorf("insufficient provider capacity")
	default:
		return fmt.Errorf("pool creation failed: %s", resp.Error)
	}
}

// Job commands

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Manage jobs",
}

var jobSubmitCmd = &cobra.Command{
	Use:   "submit [flags] -- COMMAND...",
	Short: "Submit a job",
	Long: `Submit a job for execution. Give a command after -- or an inline
script with --script.

Examples:
  # Run a command on any ready worker
  drover job submit --name smoke -- echo hello

  # Run a script on workers with the build capability
  drover job submit --script 'make release' --require build=true

  # High-priority job that needs a pushed artifact
  drover job submit --priority high --artifact CHECKSUM -- ./tool`,
	RunE: runJobSubmit,
}

func runJobSubmit(cmd *cobra.Command, args []string) error {
	name, _ := cmd.Flags().GetString("name")
	script, _ := cmd.Flags().GetString("script")
	priority, _ := cmd.Flags().GetString("priority")
	timeout, _ := cmd.Flags().GetString("timeout")
	env, _ := cmd.Flags().GetStringToString("env")
	require, _ := cmd.Flags().GetStringToString("require")
	artifacts, _ := cmd.Flags().GetStringSlice("artifact")
	retries, _ := cmd.Flags().GetInt("retries")

	if len(args) == 0 && script == "" {
		return fmt.Errorf("give a command after -- or use --script")
	}

	resp, err := apiClient(cmd).SubmitJob(&api.SubmitJobRequest{
		Name:              name,
		Command:           args,
		Script:            script,
		Env:               env,
		Priority:          priority,
		Timeout:           timeout,
		Requirements:      require,
		RequiredArtifacts: artifacts,
		MaxRetries:        retries,
	})
	if err != nil {
		return err
	}
	fmt.Printf("✓ Job queued: %s (queue size %d)\n", resp.Job.ID, resp.QueueSize)
	return nil
}

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		jobs, err := apiClient(cmd).ListJobs(status)
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			fmt.Println("No jobs")
			return nil
		}
		sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.After(jobs[j].CreatedAt) })
		fmt.Printf("%-38s %-18s %-10s %-9s %-20s\n", "ID", "NAME", "STATUS", "PRIORITY", "CREATED")
		for _, j := range jobs {
			fmt.Printf("%-38s %-18s %-10s %-9s %-20s\n",
				j.ID, j.Name, j.Status, j.Priority, j.CreatedAt.Format(time.RFC3339))
		}
		return nil
	},
}

var jobGetCmd = &cobra.Command{
	Use:   "get JOB",
	Short: "Show a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		j, err := apiClient(cmd).GetJob(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("ID:        %s\n", j.ID)
		fmt.Printf("Name:      %s\n", j.Name)
		fmt.Printf("Status:    %s\n", j.Status)
		fmt.Printf("Priority:  %s\n", j.Priority)
		if len(j.Payload.Command) > 0 {
			fmt.Printf("Command:   %s\n", strings.Join(j.Payload.Command, " "))
		}
		if j.Payload.Script != "" {
			fmt.Printf("Script:    %d bytes\n", len(j.Payload.Script))
		}
		if j.Payload.Timeout > 0 {
			fmt.Printf("Timeout:   %s\n", j.Payload.Timeout)
		}
		if len(j.Requirements) > 0 {
			fmt.Printf("Requires:  %s\n", formatMap(j.Requirements))
		}
		if len(j.RequiredArtifacts) > 0 {
			fmt.Printf("Artifacts: %s\n", strings.Join(j.RequiredArtifacts, ", "))
		}
		fmt.Printf("Created:   %s\n", j.CreatedAt.Format(time.RFC3339))
		if j.Result != nil {
			fmt.Printf("Result:    success=%t exit=%d worker=%s\n",
				j.Result.Success, j.Result.ExitCode, j.Result.WorkerID)
			if j.Result.Error != "" {
				fmt.Printf("Error:     %s\n", j.Result.Error)
			}
		}
		return nil
	},
}

var jobCancelCmd = &cobra.Command{
	Use:   "cancel JOB",
	Short: "Cancel a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient(cmd).CancelJob(args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Job cancelled: %s\n", args[0])
		return nil
	},
}

var jobOutputCmd = &cobra.Command{
	Use:   "output JOB",
	Short: "Print a job's captured output",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := apiClient(cmd).JobOutput(args[0])
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(out)
		return err
	},
}

func init() {
	jobCmd.AddCommand(jobSubmitCmd)
	jobCmd.AddCommand(jobListCmd)
	jobCmd.AddCommand(jobGetCmd)
	jobCmd.AddCommand(jobCancelCmd)
	jobCmd.AddCommand(jobOutputCmd)

	jobSubmitCmd.Flags().String("name", "", "Job name")
	jobSubmitCmd.Flags().String("script", "", "Inline script instead of a command")
	jobSubmitCmd.Flags().String("priority", "normal", "Priority (low, normal, high, critical)")
	jobSubmitCmd.Flags().String("timeout", "", "Execution timeout, e.g. 10m")
	jobSubmitCmd.Flags().StringToString("env", nil, "Environment variable, e.g. CI=true")
	jobSubmitCmd.Flags().StringToString("require", nil, "Required worker capability, e.g. build=true")
	jobSubmitCmd.Flags().StringSlice("artifact", nil, "Required artifact checksum")
	jobSubmitCmd.Flags().Int("retries", 0, "Retry budget (0 uses the orchestrator default)")

	jobListCmd.Flags().String("status", "", "Filter by status (queued, running, completed, failed, cancelled)")
}

// Artifact commands

var artifactCmd = &cobra.Command{
	Use:   "artifact",
	Short: "Manage artifacts",
}

var artifactPushCmd = &cobra.Command{
	Use:   "push FILE",
	Short: "Upload an artifact",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		compression, _ := cmd.Flags().GetString("compression")
		if name == "" {
			name = filepath.Base(args[0])
		}

		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		art, err := apiClient(cmd).PushArtifact(name, types.CompressionType(compression), f)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Artifact pushed: %s\n", art.Name)
		fmt.Printf("  Checksum: %s\n", art.Checksum)
		fmt.Printf("  Size:     %s\n", formatBytes(art.Size))
		return nil
	},
}

var artifactListCmd = &cobra.Command{
	Use:   "list",
	Short: "List artifacts",
	RunE: func(cmd *cobra.Command, args []string) error {
		artifacts, err := apiClient(cmd).ListArtifacts()
		if err != nil {
			return err
		}
		if len(artifacts) == 0 {
			fmt.Println("No artifacts")
			return nil
		}
		sort.Slice(artifacts, func(i, j int) bool { return artifacts[i].Name < artifacts[j].Name })
		fmt.Printf("%-24s %10s %-6s %-64s\n", "NAME", "SIZE", "CODEC", "CHECKSUM")
		for _, a := range artifacts {
			fmt.Printf("%-24s %10s %-6s %-64s\n",
				a.Name, formatBytes(a.Size), a.Compression, a.Checksum)
		}
		return nil
	},
}

func init() {
	artifactCmd.AddCommand(artifactPushCmd)
	artifactCmd.AddCommand(artifactListCmd)

	artifactPushCmd.Flags().String("name", "", "Artifact name (default the file name)")
	artifactPushCmd.Flags().String("compression", "none", "Codec the upload is compressed with (none, gzip, zstd)")
}

// Token commands

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage worker join tokens",
}

var tokenCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Mint a join token",
	RunE: func(cmd *cobra.Command, args []string) error {
		role, _ := cmd.Flags().GetString("role")
		ttl, _ := cmd.Flags().GetString("ttl")

		tok, err := apiClient(cmd).CreateToken(role, ttl)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Token created (role %s, expires %s)\n",
			tok.Role, tok.ExpiresAt.Format(time.RFC3339))
		fmt.Println(tok.Token)
		return nil
	},
}

var tokenListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active tokens",
	RunE: func(cmd *cobra.Command, args []string) error {
		tokens, err := apiClient(cmd).ListTokens()
		if err != nil {
			return err
		}
		if len(tokens) == 0 {
			fmt.Println("No active tokens")
			return nil
		}
		fmt.Printf("%-10s %-20s %-20s %s\n", "ROLE", "CREATED", "EXPIRES", "TOKEN")
		for _, t := range tokens {
			fmt.Printf("%-10s %-20s %-20s %s...\n",
				t.Role,
				t.CreatedAt.Format(time.RFC3339),
				t.ExpiresAt.Format(time.RFC3339),
				t.Token[:8])
		}
		return nil
	},
}

func init() {
	tokenCmd.AddCommand(tokenCreateCmd)
	tokenCmd.AddCommand(tokenListCmd)

	tokenCreateCmd.Flags().String("role", "worker", "Token role (worker, admin)")
	tokenCreateCmd.Flags().String("ttl", "", "Token lifetime, e.g. 24h")
}

// Status command

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show orchestrator status",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := apiClient(cmd).Status()
		if err != nil {
			return err
		}
		fmt.Printf("Drover %s\n", st.Version)
		if m := st.Metrics; m != nil {
			fmt.Printf("Jobs:    %d queued, %d running, %d completed, %d failed, %d cancelled\n",
				m.QueuedJobs, m.RunningJobs, m.CompletedJobs, m.FailedJobs, m.CancelledJobs)
			fmt.Printf("Workers: %d active, %d connected sessions, %d pools\n",
				m.ActiveWorkers, m.ActiveSessions, m.TotalPools)
		}
		if st.Queue.OldestWait != "" {
			fmt.Printf("Queue:   oldest waiting %s, average %s\n",
				st.Queue.OldestWait, st.Queue.AverageWait)
		}

		if len(st.Providers) > 0 {
			names := make([]string, 0, len(st.Providers))
			for name := range st.Providers {
				names = append(names, name)
			}
			sort.Strings(names)
			fmt.Println("\nProviders:")
			for _, name := range names {
				a := st.Providers[name]
				fmt.Printf("  %-12s %d/%d mCPU free, %s/%s memory free, %d node(s)\n",
					name, a.AvailableCPU, a.TotalCPUMillis,
					formatBytes(a.AvailableMemory), formatBytes(a.TotalMemory),
					a.NodeCount)
			}
		}

		if len(st.Pools) > 0 {
			fmt.Println("\nPools:")
			for _, p := range st.Pools {
				fmt.Printf("  %-16s %-13s %d/%d workers, %d ready, %d busy\n",
					p.Name, p.Status, p.CurrentSize, p.DesiredSize,
					p.ReadyWorkers, p.BusyWorkers)
			}
		}
		return nil
	},
}

// Helper functions

func formatMap(m map[string]string) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+m[k])
	}
	return strings.Join(parts, ", ")
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
