package main

import (
	"context"
	"os"
	"strconv"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/redis/go-redis/v9"

	"github.com/onlyfeng/engram-sub004/internal/config"
	"github.com/onlyfeng/engram-sub004/internal/dberrors"
	"github.com/onlyfeng/engram-sub004/pkg/artifact"
	"github.com/onlyfeng/engram-sub004/pkg/ratelimit"
)

// buildArtifactStore selects the artifact.Store backend named by
// cfg.Backend, per spec §4.A's "local | file | object" choice.
func buildArtifactStore(cfg config.ArtifactsConfig) (artifact.Store, error) {
	overwrite := artifact.OverwritePolicy(cfg.OverwritePolicy)
	switch cfg.Backend {
	case "local", "":
		return artifact.NewLocalStore(cfg.Root, cfg.AllowedPrefix, overwrite, cfg.MaxSizeBytes, os.FileMode(cfg.FileMode))
	case "file":
		return artifact.NewFileURIStore(cfg.AllowedRoots, overwrite, cfg.MaxSizeBytes, cfg.FileMode), nil
	case "object":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.ObjectStore.Region)}
		if cfg.ObjectStore.AccessKeyID != "" {
			opts = append(opts, awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(cfg.ObjectStore.AccessKeyID, cfg.ObjectStore.SecretAccessKey, "")))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, dberrors.FailedToWithDetails("load aws config", "artifact_store", cfg.ObjectStore.Region, err)
		}
		client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if cfg.ObjectStore.Endpoint != "" {
				o.BaseEndpoint = &cfg.ObjectStore.Endpoint
			}
			o.UsePathStyle = cfg.ObjectStore.UsePathStyle
		})
		return artifact.NewObjectStore(client, cfg.ObjectStore.Bucket, overwrite,
			cfg.ObjectStore.MultipartThreshold, cfg.ObjectStore.MultipartChunkSize), nil
	default:
		return nil, dberrors.ValidationError("artifacts.backend", "unknown backend "+strconv.Quote(cfg.Backend)+" (want local, file, or object)")
	}
}

// buildRedisFastPath wires the optional Redis fast path ahead of the
// authoritative Postgres bucket (spec §4.D "Composed limiters").
func buildRedisFastPath(cfg config.RedisConfig) ratelimit.FastPath {
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	return ratelimit.NewRedisFastPath(client, 20, time.Minute)
}
