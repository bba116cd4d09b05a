package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"fedhub/pkg/broadcast"
	"fedhub/pkg/cascade"
	"fedhub/pkg/config"
	"fedhub/pkg/hub"
	"fedhub/pkg/lifecycle"
	"fedhub/pkg/metrics"
	"fedhub/pkg/registry"
	"fedhub/pkg/types"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	configFile string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fedhub",
		Short: "Federation trust lifecycle and policy synchronization engine",
		Long: `Control plane for a hub-and-spoke federation of sovereign access-control
deployments. The hub manages partner trust lifecycle, versioned policy
distribution and staleness tracking; spokes heartbeat against it.`,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	rootCmd.AddCommand(
		hubCmd(),
		spokeCmd(),
		statusCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func hubCmd() *cobra.Command {
	var (
		instanceCode string
		dataDir      string
		listenAddr   string
		metricsAddr  string
	)

	cmd := &cobra.Command{
		Use:   "hub",
		Short: "Run in hub mode",
		Long:  `Start the federation hub: trust registry, policy version authority, sync tracking and lifecycle cascades.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if instanceCode != "" {
				cfg.Hub.InstanceCode = instanceCode
			}
			if dataDir != "" {
				cfg.Hub.DataDir = dataDir
			}
			if listenAddr != "" {
				cfg.Hub.ListenAddr = listenAddr
			}
			if metricsAddr != "" {
				cfg.Hub.MetricsAddr = metricsAddr
			}
			if cfg.Hub.InstanceCode == "" {
				return fmt.Errorf("instance code is required")
			}

			store, err := registry.OpenBadgerStore(cfg.Hub.DataDir, logger)
			if err != nil {
				return fmt.Errorf("failed to open registry: %w", err)
			}

			collab := buildCollaborators(cfg.Hub, store, logger)
			h, err := hub.New(cfg.Hub, store, collab, metrics.NewHubMetrics(nil), logger)
			if err != nil {
				return err
			}
			server := hub.NewServer(h, logger.Named("api"))

			if cfg.Hub.MetricsAddr != "" {
				go func() {
					mux := http.NewServeMux()
					mux.Handle("/metrics", promhttp.Handler())
					logger.Info("Metrics listening", zap.String("address", cfg.Hub.MetricsAddr))
					if err := http.ListenAndServe(cfg.Hub.MetricsAddr, mux); err != nil {
						logger.Error("Metrics server stopped", zap.Error(err))
					}
				}()
			}

			// Handle shutdown gracefully
			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

			go func() {
				<-sigChan
				logger.Info("Shutting down hub")
				h.Close()
				store.Close()
				os.Exit(0)
			}()

			logger.Info("Starting federation hub",
				zap.String("instance_code", cfg.Hub.InstanceCode),
				zap.String("address", cfg.Hub.ListenAddr),
				zap.String("data_dir", cfg.Hub.DataDir))

			return http.ListenAndServe(cfg.Hub.ListenAddr, server.Router())
		},
	}

	cmd.Flags().StringVar(&instanceCode, "instance-code", "", "this hub's federation instance code")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "registry data directory")
	cmd.Flags().StringVar(&listenAddr, "listen", "", "API listen address")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "metrics listen address")
	return cmd
}

func buildCollaborators(cfg config.HubConfig, store registry.Store, logger *zap.Logger) hub.Collaborators {
	timeout := 15 * time.Second
	idpToken := os.Getenv("FEDHUB_IDP_ADMIN_TOKEN")
	kasToken := os.Getenv("FEDHUB_KAS_TOKEN")
	policyToken := os.Getenv("FEDHUB_POLICY_TOKEN")

	publisher := cascade.NewHTTPPolicyPublisher(cfg.Collaborators.PolicyEngineURL, policyToken, timeout, logger.Named("policy-engine"))

	return hub.Collaborators{
		IdP:      cascade.NewKeycloakAdminClient(cfg.Collaborators.IdPAdminURL, "federation", idpToken, timeout, logger.Named("idp")),
		KAS:      cascade.NewHTTPKeyAccessRegistry(cfg.Collaborators.KASRegistryURL, kasToken, timeout, logger.Named("kas")),
		Groups:   cascade.NewRegistryInterestGroups(store, publisher, logger.Named("groups")),
		Policy:   publisher,
		Notifier: cascade.NewHTTPNotifier(cfg.NotifyTimeout.Std(), logger.Named("notify")),
	}
}

func spokeCmd() *cobra.Command {
	var (
		instanceCode string
		hubAddress   string
		spokeID      string
	)

	cmd := &cobra.Command{
		Use:   "spoke",
		Short: "Run in spoke mode",
		Long:  `Start the spoke runtime: heartbeat against the hub, track the local policy version and keep the API token fresh.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if instanceCode != "" {
				cfg.Spoke.InstanceCode = instanceCode
			}
			if hubAddress != "" {
				cfg.Spoke.HubAddress = hubAddress
			}
			if spokeID == "" {
				spokeID = os.Getenv("FEDHUB_SPOKE_ID")
			}
			if cfg.Spoke.InstanceCode == "" || spokeID == "" {
				return fmt.Errorf("instance code and spoke ID are required")
			}

			client := newSpokeClient(cfg.Spoke.HubAddress, spokeID, logger)

			runtime := lifecycle.NewRuntime(lifecycle.RuntimeConfig{
				HeartbeatInterval: cfg.Spoke.HeartbeatInterval.Std(),
				OfflineGrace:      cfg.Spoke.OfflineGrace.Std(),
				RefreshBuffer:     cfg.Spoke.TokenRefreshBuffer.Std(),
			}, client.heartbeat, client.refreshToken, logger.Named("runtime"))

			if err := runtime.Transition(lifecycle.RuntimeInitialized); err != nil {
				return err
			}
			if err := runtime.Transition(lifecycle.RuntimePending); err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			// Wait out the hub-side approval before entering approved,
			// which starts the heartbeat ticker and refresh timer.
			go func() {
				for {
					if err := client.heartbeat(ctx); err == nil {
						if expiry, err := client.refreshToken(ctx); err == nil {
							runtime.SetTokenExpiry(expiry)
						}
						if err := runtime.Transition(lifecycle.RuntimeApproved); err != nil {
							logger.Error("Failed to enter approved", zap.Error(err))
						}
						return
					}
					select {
					case <-ctx.Done():
						return
					case <-time.After(cfg.Spoke.HeartbeatInterval.Std()):
					}
				}
			}()

			// Invalidation stream: a push notification means our cached
			// version is stale, so heartbeat immediately instead of waiting
			// for the next tick.
			go func() {
				wsURL := "ws://" + strings.TrimPrefix(cfg.Spoke.HubAddress, "http://") + "/api/federation/updates/stream"
				for ctx.Err() == nil {
					err := broadcast.Subscribe(ctx, wsURL, func(msg broadcast.Message) {
						logger.Debug("Invalidation received",
							zap.String("type", msg.Type),
							zap.String("version", msg.Version))
						if err := client.heartbeat(ctx); err != nil {
							logger.Warn("Heartbeat after invalidation failed", zap.Error(err))
						}
					}, logger.Named("broadcast"))
					if err != nil {
						logger.Warn("Invalidation stream disconnected", zap.Error(err))
					}
					select {
					case <-ctx.Done():
						return
					case <-time.After(5 * time.Second):
					}
				}
			}()

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
			<-sigChan

			logger.Info("Shutting down spoke")
			cancel()
			runtime.Stop()
			return nil
		},
	}

	cmd.Flags().StringVar(&instanceCode, "instance-code", "", "this spoke's federation instance code")
	cmd.Flags().StringVar(&hubAddress, "hub", "", "hub API address")
	cmd.Flags().StringVar(&spokeID, "spoke-id", "", "enrollment ID assigned at registration")
	return cmd
}

// spokeClient talks to the hub's federation API on behalf of the spoke
// runtime. It remembers the last version the hub confirmed so heartbeats
// report honest sync state.
type spokeClient struct {
	baseURL string
	spokeID string
	client  *http.Client
	logger  *zap.Logger

	mu      sync.Mutex
	version string
}

func newSpokeClient(hubAddress, spokeID string, logger *zap.Logger) *spokeClient {
	base := hubAddress
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &spokeClient{
		baseURL: strings.TrimSuffix(base, "/"),
		spokeID: spokeID,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
	}
}

func (sc *spokeClient) currentVersion() string {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.version
}

func (sc *spokeClient) heartbeat(ctx context.Context) error {
	body, _ := json.Marshal(map[string]string{"version": sc.currentVersion()})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/api/federation/spokes/%s/heartbeat", sc.baseURL, sc.spokeID), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := sc.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("heartbeat returned status %d", resp.StatusCode)
	}

	var result struct {
		Sync    types.SpokeSyncStatus `json:"sync"`
		Updates []types.PolicyUpdate  `json:"updates"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode heartbeat response: %w", err)
	}

	// Applying the delta moves us to the newest delivered version; the
	// next heartbeat doubles as the acknowledgment.
	if len(result.Updates) > 0 {
		latest := result.Updates[len(result.Updates)-1].Version
		sc.mu.Lock()
		sc.version = latest
		sc.mu.Unlock()
		sc.logger.Info("Applied policy updates",
			zap.Int("count", len(result.Updates)),
			zap.String("version", latest))
		return sc.acknowledge(ctx, latest)
	}
	return nil
}

func (sc *spokeClient) acknowledge(ctx context.Context, version string) error {
	body, _ := json.Marshal(map[string]string{"version": version})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/api/federation/spokes/%s/ack", sc.baseURL, sc.spokeID), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := sc.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("acknowledgment returned status %d", resp.StatusCode)
	}
	return nil
}

func (sc *spokeClient) refreshToken(ctx context.Context) (time.Time, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/api/federation/spokes/%s/token", sc.baseURL, sc.spokeID), nil)
	if err != nil {
		return time.Time{}, err
	}

	resp, err := sc.client.Do(req)
	if err != nil {
		return time.Time{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return time.Time{}, fmt.Errorf("token refresh returned status %d", resp.StatusCode)
	}

	var token types.IssuedToken
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return time.Time{}, fmt.Errorf("failed to decode token: %w", err)
	}
	return token.ExpiresAt, nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("Federation Trust Engine v0.1.0")
		},
	}
}

func loadConfig() (*config.Config, error) {
	if configFile != "" {
		cfg, err := config.LoadConfig(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		return cfg, nil
	}
	return config.LoadFromEnv(), nil
}

func setupLogger(verbose bool) *zap.Logger {
	config := zap.NewProductionConfig()
	if verbose {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		config.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, _ := config.Build()
	return logger
}
