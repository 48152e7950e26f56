// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command kpath runs the semantic capability-discovery service.
//
// Usage:
//
//	kpath serve --config kpath.yaml
//	kpath serve --config-type consul --config kpath/config --endpoints localhost:8500
//	kpath validate --config kpath.yaml
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"gopkg.in/yaml.v3"

	kpath "github.com/Uncle-Enzo/kpath-enterprise-sub002"
	"github.com/Uncle-Enzo/kpath-enterprise-sub002/pkg/auth"
	"github.com/Uncle-Enzo/kpath-enterprise-sub002/pkg/config"
	"github.com/Uncle-Enzo/kpath-enterprise-sub002/pkg/embedder"
	"github.com/Uncle-Enzo/kpath-enterprise-sub002/pkg/feedback"
	"github.com/Uncle-Enzo/kpath-enterprise-sub002/pkg/indexmanager"
	"github.com/Uncle-Enzo/kpath-enterprise-sub002/pkg/logger"
	"github.com/Uncle-Enzo/kpath-enterprise-sub002/pkg/metrics"
	"github.com/Uncle-Enzo/kpath-enterprise-sub002/pkg/policy"
	"github.com/Uncle-Enzo/kpath-enterprise-sub002/pkg/ratelimit"
	"github.com/Uncle-Enzo/kpath-enterprise-sub002/pkg/registry"
	"github.com/Uncle-Enzo/kpath-enterprise-sub002/pkg/search"
	"github.com/Uncle-Enzo/kpath-enterprise-sub002/pkg/server"
	"github.com/Uncle-Enzo/kpath-enterprise-sub002/pkg/utils"
	"github.com/Uncle-Enzo/kpath-enterprise-sub002/pkg/vectorindex"
	"github.com/Uncle-Enzo/kpath-enterprise-sub002/pkg/vectorindex/remote"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the discovery server."`
	Validate ValidateCmd `cmd:"" help:"Validate configuration."`

	Config     string   `short:"c" help:"Config path (file path, or key for remote sources)." default:"kpath.yaml"`
	ConfigType string   `help:"Config source (file, consul, etcd, zookeeper)." default:"file"`
	Endpoints  []string `help:"Remote config source endpoints."`
	LogLevel   string   `help:"Log level (debug, info, warn, error)." default:""`
	LogFile    string   `help:"Log file path (empty = stderr)."`
	LogFormat  string   `help:"Log format (simple, verbose)." default:""`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := kpath.Version
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("kpath version %s\n", version)
	return nil
}

// ValidateCmd loads the configuration and reports the first problem,
// printing the effective document on success.
type ValidateCmd struct {
	Show bool `help:"Print the effective configuration as YAML."`
}

func (c *ValidateCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}
	if c.Show {
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("render config: %w", err)
		}
		os.Stdout.Write(out)
		return nil
	}
	fmt.Println("configuration is valid")
	return nil
}

// ServeCmd starts the discovery server.
type ServeCmd struct {
	Port int `help:"Override the configured listen port."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutting down")
		cancel()
	}()

	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}
	applyLogOverrides(cli, cfg)
	logCleanup := logger.Configure(logger.Options{
		Level:  cfg.Logger.Level,
		File:   cfg.Logger.File,
		Format: cfg.Logger.Format,
	})
	defer logCleanup()

	pool := config.NewDBPool()
	defer pool.Close()
	db, err := pool.Get(&cfg.Database)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	if err := registry.Migrate(ctx, db); err != nil {
		return err
	}

	reg := registry.New(db, registry.Options{Dialect: cfg.Database.Dialect(), DSN: cfg.Database.DSN()})
	apiKeys := registry.NewAPIKeys(db, cfg.Database.Dialect())
	fb := feedback.NewSQLStore(db, cfg.Database.Dialect(), cfg.Feedback.WindowDays, cfg.Feedback.RetentionDays)

	emb, err := embedder.New(cfg.Embedding)
	if err != nil {
		return err
	}
	defer emb.Close()

	newIndex := indexFactory(ctx, cfg)
	manager, err := indexmanager.New(indexmanager.Config{
		Model:                cfg.Embedding.Model,
		Dimension:            cfg.Embedding.Dimension,
		SnapshotDir:          cfg.Index.SnapshotDir,
		SnapshotEveryChanges: cfg.Index.SnapshotEveryChanges,
		SnapshotQuiescence:   quiescence(cfg),
		RemoteIndex:          cfg.Index.IsRemote(),
	}, reg, emb, newIndex, reg)
	if err != nil {
		return err
	}
	manager.SetEmbedderFactory(func() (embedder.Embedder, error) {
		return embedder.New(cfg.Embedding)
	})
	if err := manager.Start(ctx); err != nil {
		return err
	}
	defer manager.Close()

	pipeline, err := search.New(cfg.Search, emb, manager.Index,
		func() bool { return manager.Status().IndexBuilt },
		reg, fb, policy.New(cfg.Policy.AdminRole), feedback.NewSearchJournal(0))
	if err != nil {
		return err
	}

	var validator auth.TokenValidator
	if cfg.Auth.IsEnabled() {
		validator, err = auth.NewValidatorFromConfig(&cfg.Auth)
		if err != nil {
			return err
		}
	}

	limiter, err := ratelimit.NewLimiterFromConfig(&cfg.RateLimit)
	if err != nil {
		return err
	}

	m := metrics.New(&cfg.Metrics)
	go feedbackGC(ctx, fb)
	go indexGauges(ctx, m, manager)

	srv := server.New(server.Options{
		Config:    cfg,
		Searcher:  pipeline,
		Lifecycle: manager,
		APIKeys:   apiKeys,
		Validator: validator,
		Limiter:   limiter,
		Metrics:   m,
	})
	return srv.Run(ctx)
}

func loadConfig(cli *CLI) (*config.Config, error) {
	if err := config.LoadEnvFiles(); err != nil {
		return nil, err
	}
	kind, err := config.ParseConfigType(cli.ConfigType)
	if err != nil {
		return nil, err
	}
	return config.LoadConfig(config.LoaderOptions{
		Type:      kind,
		Path:      cli.Config,
		Endpoints: cli.Endpoints,
	})
}

func applyLogOverrides(cli *CLI, cfg *config.Config) {
	if cli.LogLevel != "" {
		cfg.Logger.Level = cli.LogLevel
	}
	if cli.LogFile != "" {
		cfg.Logger.File = cli.LogFile
	}
	if cli.LogFormat != "" {
		cfg.Logger.Format = cli.LogFormat
	}
}

func quiescence(cfg *config.Config) (d time.Duration) {
	return time.Duration(cfg.Index.SnapshotQuiescenceSeconds) * time.Second
}

// indexFactory returns a constructor for the configured engine; the
// manager calls it once at startup and again per shadow rebuild.
func indexFactory(ctx context.Context, cfg *config.Config) func() (vectorindex.Index, error) {
	params := cfg.Index.Params
	switch cfg.Index.Kind {
	case "remote:qdrant":
		return func() (vectorindex.Index, error) {
			return remote.NewQdrantIndex(ctx, remote.QdrantConfig{
				Host:       params.Host,
				Port:       params.Port,
				APIKey:     params.APIKey,
				UseTLS:     params.UseTLS,
				Collection: params.Collection,
				Dimension:  cfg.Embedding.Dimension,
			})
		}
	case "remote:chromem":
		return func() (vectorindex.Index, error) {
			persist := params.PersistPath
			if persist == "" {
				dataDir, err := utils.EnsureDataDir("")
				if err != nil {
					return nil, err
				}
				persist = filepath.Join(dataDir, "chromem")
			}
			return remote.NewChromemIndex(remote.ChromemConfig{
				PersistPath: persist,
				Compress:    params.Compress,
				Collection:  params.Collection,
				Dimension:   cfg.Embedding.Dimension,
			})
		}
	default:
		return func() (vectorindex.Index, error) {
			return vectorindex.New(vectorindex.Config{
				Kind:           cfg.Index.Kind,
				Model:          cfg.Embedding.Model,
				Dimension:      cfg.Embedding.Dimension,
				NCentroids:     params.NCentroids,
				NProbe:         params.NProbe,
				M:              params.M,
				EfConstruction: params.EfConstruction,
				EfSearch:       params.EfSearch,
			})
		}
	}
}

// feedbackGC prunes expired feedback events once a day.
func feedbackGC(ctx context.Context, fb *feedback.SQLStore) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := fb.Prune(ctx); err != nil {
				slog.Warn("feedback prune failed", "error", err)
			} else if n > 0 {
				slog.Info("feedback events pruned", "deleted", n)
			}
		}
	}
}

// indexGauges refreshes the index metrics periodically.
func indexGauges(ctx context.Context, m *metrics.Metrics, manager *indexmanager.Manager) {
	if m == nil {
		return
	}
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := manager.Status()
			m.SetIndexStats(st.TotalVectors, st.QueueDepth, st.SnapshotGeneration)
		}
	}
}

func main() {
	cli := &CLI{}
	kctx := kong.Parse(cli,
		kong.Name("kpath"),
		kong.Description("Semantic capability-discovery service."),
		kong.UsageOnError(),
	)
	if err := kctx.Run(cli); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
