package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"carecoord.org/internal/access"
	"carecoord.org/internal/audit"
	"carecoord.org/internal/audit/s3anchor"
	"carecoord.org/internal/availability"
	"carecoord.org/internal/breakglass"
	"carecoord.org/internal/config"
	"carecoord.org/internal/consent"
	"carecoord.org/internal/fingerprint"
	"carecoord.org/internal/httpapi"
	"carecoord.org/internal/identity"
	"carecoord.org/internal/obs"
	"carecoord.org/internal/policy"
	"carecoord.org/internal/resolve"
	"carecoord.org/internal/store/pg"
	"carecoord.org/internal/stream"
)

const backfillTimeout = 2 * time.Minute

var (
	version = "0.1.0"
	commit  = "dev"
)

// stores groups the backends selected at startup.
type stores struct {
	consent      consent.Store
	audit        audit.Store
	availability availability.Store
	breakGlass   breakglass.Store
	directory    resolve.Directory
	anchors      audit.Anchorer
	ready        httpapi.ReadyProbe
	close        func()
}

func openStores(cfg *config.Config, hasher *fingerprint.Hasher) (*stores, error) {
	if !cfg.Database.Enabled() {
		obs.Warn("no database configured, using in-memory stores", nil)
		return &stores{
			consent:      consent.NewMemoryStore(),
			audit:        audit.NewMemoryStore(),
			availability: availability.NewMemoryStore(),
			breakGlass:   breakglass.NewMemoryStore(),
			directory:    resolve.NewMemoryDirectory().WithFingerprints(hasher),
			close:        func() {},
		}, nil
	}
	db, err := pg.Open(cfg.Database.DSN, pg.PoolConfig{
		MaxOpen:     cfg.Database.MaxOpenConns,
		MaxIdle:     cfg.Database.MaxIdleConns,
		MaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return nil, err
	}
	if hasher != nil {
		ctx, cancel := context.WithTimeout(context.Background(), backfillTimeout)
		n, err := db.Directory().BackfillFingerprints(ctx, hasher)
		cancel()
		if err != nil {
			obs.Error("client fingerprint backfill failed", err, map[string]any{"filled": n})
		} else if n > 0 {
			obs.Info("client fingerprints backfilled", map[string]any{"count": n})
		}
	}
	return &stores{
		consent:      db.Consent(),
		audit:        db.Audit(),
		availability: db.Availability(),
		breakGlass:   db.BreakGlass(),
		directory:    db.Directory(),
		anchors:      db.Anchors(),
		ready:        httpapi.ReadyProbe{DB: db.DB()},
		close:        func() { _ = db.Close() },
	}, nil
}

func loadPolicy(cfg *config.Config) (*policy.ActivePolicySet, error) {
	src := policy.Default()
	if cfg.Policy.File != "" {
		var err error
		if src, err = policy.LoadFile(cfg.Policy.File); err != nil {
			return nil, err
		}
	}
	return policy.NewActivePolicySet(src)
}

func main() {
	envFile := flag.String("env", ".env", "optional dotenv file")
	flag.Parse()

	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load(*envFile)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	var hasher *fingerprint.Hasher
	if cfg.Fingerprint.Salt != "" {
		if hasher, err = fingerprint.NewHasher(cfg.Fingerprint.Salt); err != nil {
			log.Fatalf("fingerprint: %v", err)
		}
	}

	st, err := openStores(cfg, hasher)
	if err != nil {
		log.Fatalf("open stores: %v", err)
	}
	defer st.close()

	set, err := loadPolicy(cfg)
	if err != nil {
		log.Fatalf("load policy: %v", err)
	}
	obs.Info("policy loaded", map[string]any{"policy_version": set.Version(), "origin": set.Current().Origin})
	reloader := policy.NewReloader(set, cfg.Policy.File)
	engine := policy.NewEngine(set)

	tokens, err := identity.NewTokens(cfg.Auth.Secret, cfg.Auth.Issuer)
	if err != nil {
		log.Fatalf("auth: %v", err)
	}

	feed := stream.New()
	writer := audit.NewWriter(st.audit, audit.WithPublisher(feed))
	registry := breakglass.NewRegistry(st.breakGlass, writer, breakglass.WithMaxTTL(cfg.BreakGlass.MaxTTL))
	consents := consent.NewService(st.consent)

	var ctrl *availability.Controller
	builder := resolve.NewBuilder(registry)
	resolve.RegisterDefaults(builder, resolve.Deps{
		Directory: st.directory,
		Consent:   consents,
		LocateAvailability: func(ctx context.Context, id string) (string, error) {
			return ctrl.Locate(ctx, id)
		},
	})
	pipeline := access.New(builder, engine, writer,
		access.WithBreakGlass(registry),
		access.WithTimeout(cfg.Policy.DecisionTimeout),
	)
	ctrl = availability.NewController(st.availability, pipeline, writer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go registry.Run(ctx, cfg.BreakGlass.SweepInterval)
	go reloader.Run(ctx, cfg.Policy.PollInterval)

	anchors := st.anchors
	if cfg.Anchor.Enabled() {
		client, err := s3anchor.New(s3anchor.Config{
			Region:          cfg.Anchor.Region,
			Bucket:          cfg.Anchor.Bucket,
			Prefix:          cfg.Anchor.Prefix,
			AccessKeyID:     cfg.Anchor.AccessKeyID,
			SecretAccessKey: cfg.Anchor.SecretAccessKey,
			Endpoint:        cfg.Anchor.Endpoint,
		})
		if err != nil {
			log.Fatalf("anchor: %v", err)
		}
		anchors = client
	}
	if anchors != nil {
		go audit.NewAnchorJob(st.audit, anchors).Run(ctx, cfg.Anchor.Interval)
	}

	api := httpapi.New(httpapi.Deps{
		Pipeline:     pipeline,
		Reloader:     reloader,
		Consent:      consents,
		Availability: ctrl,
		BreakGlass:   registry,
		Audit:        writer,
		Stream:       feed,
		Auth:         httpapi.TokenAuthenticator{Tokens: tokens},
		Readiness:    st.ready,
		Version:      version,
		RateBurst:    cfg.RateLimit.Burst,
		RatePerSec:   cfg.RateLimit.RPS,
	})

	srv := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	grpcServer := grpc.NewServer()
	httpapi.NewGRPCServer(st.ready, set, version).Register(grpcServer)
	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		log.Fatalf("grpc listen: %v", err)
	}

	obs.Info("starting", map[string]any{"version": version, "http_addr": srv.Addr, "grpc_addr": cfg.Server.GRPCAddr})

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()
	go func() {
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.Fatalf("grpc serve: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	for s := range sig {
		if s != syscall.SIGHUP {
			break
		}
		snap, changed, err := reloader.Reload(ctx)
		if err != nil {
			obs.Error("policy reload failed", err, map[string]any{"signal": "SIGHUP"})
			continue
		}
		obs.Info("policy reload", map[string]any{"changed": changed, "policy_version": snap.Version})
	}

	obs.Info("shutting down", nil)
	cancel()

	shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer stop()
	_ = srv.Shutdown(shutdownCtx)
	grpcServer.GracefulStop()
	obs.Info("stopped", nil)
}
