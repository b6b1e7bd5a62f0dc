package main

import (
	"strconv"
	"strings"

	"github.com/onlyfeng/engram-sub004/internal/dberrors"
	"github.com/onlyfeng/engram-sub004/pkg/models"
)

func errRequiredFlag(name string) error {
	return dberrors.ValidationError(name, "required flag not set")
}

// parseRepoRef splits the --repo <type>:<id> flag shared by every runner
// subcommand.
func parseRepoRef(ref string) (models.RepoType, int64, error) {
	parts := strings.SplitN(ref, ":", 2)
	if len(parts) != 2 {
		return "", 0, dberrors.ValidationError("--repo", "must be of the form <type>:<id>, got "+strconv.Quote(ref))
	}
	repoType := models.RepoType(parts[0])
	if repoType != models.RepoTypeGit && repoType != models.RepoTypeSVN {
		return "", 0, dberrors.ValidationError("--repo", "type must be git or svn, got "+strconv.Quote(parts[0]))
	}
	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", 0, dberrors.ValidationError("--repo", "id must be numeric, got "+strconv.Quote(parts[1]))
	}
	return repoType, id, nil
}

// jobTypeForRepo resolves the --job flag (commits|mrs|reviews) against the repo's
// backend, since git and svn share the "commits" job under different
// job_type values (spec §3's closed job taxonomy).
func jobTypeForRepo(repoType models.RepoType, job string) (models.JobType, error) {
	switch job {
	case "commits", "":
		if repoType == models.RepoTypeSVN {
			return models.JobTypeSVN, nil
		}
		return models.JobTypeGitLabCommits, nil
	case "mrs":
		if repoType == models.RepoTypeSVN {
			return "", dberrors.ValidationError("--job", "svn repos have no mrs job")
		}
		return models.JobTypeGitLabMRs, nil
	case "reviews":
		if repoType == models.RepoTypeSVN {
			return "", dberrors.ValidationError("--job", "svn repos have no reviews job")
		}
		return models.JobTypeGitLabReviews, nil
	default:
		return "", dberrors.ValidationError("--job", "unknown value "+strconv.Quote(job)+" (want commits, mrs, or reviews)")
	}
}
