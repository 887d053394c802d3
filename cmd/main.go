package main

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"

	"github.com/windlass-gitops/windlass/internal/cluster"
	"github.com/windlass-gitops/windlass/internal/gitrev"
	"github.com/windlass-gitops/windlass/internal/graph"
	"github.com/windlass-gitops/windlass/internal/history"
	"github.com/windlass-gitops/windlass/internal/scheduler"
	"github.com/windlass-gitops/windlass/internal/server"
	"github.com/windlass-gitops/windlass/internal/source"
)

const gitRevTxt = "git-rev.txt"

var (
	listenAddr   = flag.String("listen-addr", ":8080", "address the operator API listens on")
	repoRoot     = flag.String("repo-root", "", "directory holding source repository checkouts (default $WINDLASS_REPO_ROOT)")
	rootApp      = flag.String("root-app", "", "path to the root Application manifest ('-' for stdin)")
	kubeconfig   = flag.String("kubeconfig", "", "kubeconfig path (empty for in-cluster config)")
	interval     = flag.Duration("interval", 3*time.Minute, "reconciliation polling interval")
	pollInterval = flag.Duration("git-poll-interval", time.Minute, "branch head polling interval")
	ignorePaths  = flag.StringSlice("ignore-path", nil, "dotted field paths excluded from drift detection (e.g. spec.replicas)")
	once         = flag.Bool("once", false, "reconcile once and exit")
	devMode      bool
)

func init() {
	// Logger setup and environment checks
	devMode = os.Getenv("APP_ENV") == "dev"

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if devMode || os.Getenv("DEBUG") != "" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	// git revision for logger - stamped into the image at build time
	gitRev := "UNKNOWN"
	data, err := os.ReadFile(gitRevTxt)
	if err != nil {
		log.Info().Msgf("Cannot open %s; assuming we're in local development", gitRevTxt)
	} else {
		lines := strings.Split(string(data), "\n")
		gitRev = strings.TrimSpace(lines[0])
		if gitRev == "" {
			gitRev = "EMPTY"
		}
	}

	log.Logger = log.With().Str("service", "windlass").Str("version", gitRev).Caller().Logger()
}

func main() {
	flag.Parse()

	if *rootApp == "" {
		log.Fatal().Msg("--root-app is required")
	}
	checkouts := *repoRoot
	if checkouts == "" {
		checkouts = os.Getenv("WINDLASS_REPO_ROOT")
	}
	if checkouts == "" {
		log.Fatal().Msg("--repo-root or WINDLASS_REPO_ROOT must be set")
	}

	loader := source.NewLoader(source.DirResolver{Root: checkouts})

	client, err := cluster.NewClientFromKubeconfig(*kubeconfig)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create cluster client")
	}

	var store history.Store
	if dsn := os.Getenv("WINDLASS_POSTGRES_DSN"); dsn != "" {
		pg, err := history.NewPostgresStore(dsn)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect sync history store")
		}
		store = pg
		log.Info().Msg("sync history persisted to postgres")
	} else {
		store = history.NewMemoryStore()
		log.Info().Msg("sync history kept in memory")
	}

	registry := graph.NewRegistry()
	sched := scheduler.New(loader, client, registry, store, *interval)
	sched.IgnorePaths = *ignorePaths

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *once {
		if err := server.RunOnce(ctx, sched, *rootApp); err != nil {
			log.Fatal().Err(err).Msg("single reconcile pass failed")
		}
		return
	}

	poller := gitrev.NewPoller(gitrev.NewClientFromEnv(), *pollInterval, sched.NotifyRevisionChange)
	sched.TrackRef = poller.Track

	root, err := server.LoadRootApplication(*rootApp)
	if err != nil {
		log.Fatal().Err(err).Msgf("failed to read root application from %s", *rootApp)
	}
	if err := sched.AddRoot(root); err != nil {
		log.Fatal().Err(err).Msg("failed to register root application")
	}

	go sched.Run(ctx)
	go poller.Run(ctx)

	operator := &server.Operator{
		Scheduler:     sched,
		Registry:      registry,
		Store:         store,
		WebhookSecret: os.Getenv("GITHUB_WEBHOOK_SECRET"),
		DevMode:       devMode,
	}
	operator.Start(*listenAddr) // blocks until SIGTERM/SIGINT
	cancel()
}
