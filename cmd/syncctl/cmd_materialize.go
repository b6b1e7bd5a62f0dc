package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/pflag"

	"github.com/onlyfeng/engram-sub004/pkg/materializer"
	"github.com/onlyfeng/engram-sub004/pkg/models"
)

func cmdMaterialize(args []string) (int, error) {
	fs := pflag.NewFlagSet("materialize", pflag.ContinueOnError)
	configPath := fs.String("config", "config.yaml", "path to config file")
	blobID := fs.Int64("blob-id", 0, "materialize a single blob by id")
	sourceType := fs.String("source-type", "", "drain a batch of pending blobs: git | svn")
	retryFailed := fs.Bool("retry-failed", false, "include previously failed blobs in the batch")
	batchSize := fs.Int("batch-size", 0, "max blobs to select for this batch")
	if err := fs.Parse(args); err != nil {
		return exitHardFailure, err
	}
	if *blobID == 0 && *sourceType == "" {
		return exitHardFailure, fmt.Errorf("materialize requires either --blob-id or --source-type")
	}

	a, err := newApp(*configPath)
	if err != nil {
		return exitHardFailure, err
	}
	defer a.Close()

	m := a.newMaterializer()
	ctx := context.Background()

	var blobs []models.PatchBlob
	if *blobID != 0 {
		var blob models.PatchBlob
		if err := a.db.GetContext(ctx, &blob, `
			SELECT blob_id, source_type, source_id, sha256, size_bytes, format,
			       uri, evidence_uri, meta_json, created_at, updated_at
			FROM patch_blobs WHERE blob_id = $1`, *blobID); err != nil {
			return exitHardFailure, fmt.Errorf("load blob %d: %w", *blobID, err)
		}
		blobs = []models.PatchBlob{blob}
	} else {
		blobs, err = m.SelectBatch(ctx, materializer.BatchParams{
			SourceType:    *sourceType,
			Limit:         *batchSize,
			IncludeFailed: *retryFailed,
		})
		if err != nil {
			return exitHardFailure, err
		}
	}

	if len(blobs) == 0 {
		fmt.Println("no candidate blobs")
		return exitSuccess, nil
	}

	failed := 0
	for _, blob := range blobs {
		repoID, revOrSha, err := decodeSourceID(blob.SourceID)
		if err != nil {
			a.logger.Sugar().Warnw("skipping blob with unparseable source_id", "blob_id", blob.BlobID, "error", err)
			failed++
			continue
		}
		repo, err := a.repos.Get(ctx, repoID)
		if err != nil {
			a.logger.Sugar().Warnw("skipping blob with unknown repo", "blob_id", blob.BlobID, "repo_id", repoID, "error", err)
			failed++
			continue
		}
		if err := m.Materialize(ctx, blob, repo, revOrSha); err != nil {
			a.logger.Sugar().Warnw("materialize failed", "blob_id", blob.BlobID, "error", err)
			failed++
			continue
		}
	}

	fmt.Printf("materialized %d/%d blobs\n", len(blobs)-failed, len(blobs))
	switch {
	case failed == 0:
		return exitSuccess, nil
	case failed < len(blobs):
		return exitPartial, nil
	default:
		return exitHardFailure, fmt.Errorf("all %d blobs failed to materialize", failed)
	}
}

// decodeSourceID recovers the repo id and revision/sha from a patch_blobs
// source_id of the form "<type>:<repo_id>:<revOrSha>" (see pkg/handlers'
// upsertCommit for the producing side of this convention).
func decodeSourceID(sourceID string) (int64, string, error) {
	parts := strings.SplitN(sourceID, ":", 3)
	if len(parts) != 3 {
		return 0, "", fmt.Errorf("malformed source_id %q", sourceID)
	}
	repoID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("malformed source_id %q: %w", sourceID, err)
	}
	return repoID, parts[2], nil
}
