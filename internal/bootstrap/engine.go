// Package bootstrap constructs the pipeline engine and its dependencies
// from configuration.
package bootstrap

import (
	"context"
	"fmt"
	"log"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nonce-ns/connectsphere-soundness-poc/internal/api"
	"github.com/nonce-ns/connectsphere-soundness-poc/internal/artifact"
	"github.com/nonce-ns/connectsphere-soundness-poc/internal/config"
	"github.com/nonce-ns/connectsphere-soundness-poc/internal/keyset"
	"github.com/nonce-ns/connectsphere-soundness-poc/internal/pipeline"
	"github.com/nonce-ns/connectsphere-soundness-poc/internal/prover"
	"github.com/nonce-ns/connectsphere-soundness-poc/internal/recorder"
	"github.com/nonce-ns/connectsphere-soundness-poc/internal/state"
)

type Runtime struct {
	Engine *pipeline.Engine
	Server *api.Server
}

func NewRuntime(ctx context.Context, cfg config.Config) (*Runtime, error) {
	store, err := newStore(cfg)
	if err != nil {
		return nil, err
	}
	rec, err := newRecorder(cfg)
	if err != nil {
		return nil, err
	}
	blobs, pinger, err := newArtifactStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	engine := pipeline.NewEngine(store, pipeline.Deps{
		Recorder: rec,
		Resolver: keyset.NewResolver(keyset.ResolverConfig{URL: cfg.JWKSURL}),
		Invoker: prover.NewSubprocessInvoker(prover.SubprocessConfig{
			Bin:       cfg.ProverBin,
			OutputDir: cfg.ProverOutputDir,
			Timeout:   cfg.ProverTimeout(),
		}),
		Artifacts: blobs,
	}, pipeline.Config{
		FrontendBaseURL:    cfg.FrontendBaseURL,
		DefaultEmailDomain: cfg.DefaultEmailDomain,
	})

	return &Runtime{
		Engine: engine,
		Server: api.NewServer(engine, nil, pinger),
	}, nil
}

func newStore(cfg config.Config) (state.Store, error) {
	switch cfg.StoreBackend {
	case "memory":
		return state.NewMemoryStore(), nil
	case "redis", "":
		return state.NewRedisStore(state.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Timeout:  3 * time.Second,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported store backend %q", cfg.StoreBackend)
	}
}

func newRecorder(cfg config.Config) (recorder.Recorder, error) {
	if cfg.RecorderDSN == "" {
		log.Printf("bootstrap: no recorder DSN configured, session recording disabled")
		return recorder.Noop{}, nil
	}
	return recorder.NewPostgres(cfg.RecorderDSN)
}

func newArtifactStore(ctx context.Context, cfg config.Config) (artifact.Store, api.Pinger, error) {
	switch cfg.ArtifactBackend {
	case "walrus", "":
		w := artifact.NewWalrusStore(artifact.WalrusConfig{
			PublisherURL:  cfg.WalrusPublisher,
			AggregatorURL: cfg.WalrusAggregator,
			Epochs:        cfg.WalrusEpochs,
		})
		return w, w, nil
	case "s3":
		s, err := artifact.NewS3Store(ctx, artifact.S3Config{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			UseSSL:    cfg.S3UseSSL,
		})
		if err != nil {
			return nil, nil, err
		}
		return s, nil, nil
	default:
		return nil, nil, fmt.Errorf("unsupported artifact backend %q", cfg.ArtifactBackend)
	}
}
