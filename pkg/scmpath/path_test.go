package scmpath

import "testing"

func TestBuildCanonicalPath(t *testing.T) {
	cases := []struct {
		name       string
		sourceType string
		revOrSha   string
		wantErr    bool
		want       string
	}{
		{"svn accepts r-prefixed revision", "svn", "r1234", false, "scm/proj/7/svn/r1234/abc123.diff"},
		{"svn rejects unprefixed numeric revision", "svn", "1234", true, ""},
		{"git accepts long hex sha", "git", "abcdef1", false, "scm/proj/7/git/abcdef1/abc123.diff"},
		{"git rejects short sha", "git", "abc", true, ""},
		{"git rejects non-hex sha", "git", "zzzzzzz", true, ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := BuildCanonicalPath("proj", 7, tc.sourceType, tc.revOrSha, "abc123", "diff")
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got path %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %q want %q", got, tc.want)
			}
		})
	}
}

func TestBuildCanonicalPathRejectsBadExt(t *testing.T) {
	_, err := BuildCanonicalPath("proj", 7, "git", "abcdef1", "abc123", "patch")
	if err == nil {
		t.Fatal("expected error for invalid extension")
	}
}

func TestNormalizeRevision(t *testing.T) {
	if got := NormalizeRevision("svn", "1234"); got != "r1234" {
		t.Fatalf("got %q want r1234", got)
	}
	if got := NormalizeRevision("svn", "r1234"); got != "r1234" {
		t.Fatalf("got %q want r1234 (idempotent)", got)
	}
	if got := NormalizeRevision("git", "abcdef1"); got != "abcdef1" {
		t.Fatalf("got %q want abcdef1 unchanged", got)
	}
}

func TestLegacyPaths(t *testing.T) {
	got := LegacyPaths(7, "svn", "r1234", "diff")
	want := "scm/7/svn/r1234.diff"
	if len(got) != 1 || got[0] != want {
		t.Fatalf("got %v want [%s]", got, want)
	}

	got = LegacyPaths(7, "git", "abcdef1", "diff")
	want = "scm/7/git/commits/abcdef1.diff"
	if len(got) != 1 || got[0] != want {
		t.Fatalf("got %v want [%s]", got, want)
	}
}

// TestParseCanonicalPathRoundTrip checks the round-trip law: parsing a path
// BuildCanonicalPath produced recovers every input field and reports
// Legacy=false.
func TestParseCanonicalPathRoundTrip(t *testing.T) {
	cases := []struct {
		projectKey string
		repoID     int64
		sourceType string
		revOrSha   string
		sha256     string
		ext        string
	}{
		{"proj", 7, "svn", "r1234", "abc123", "diff"},
		{"proj", 7, "git", "abcdef1", "abc123", "diff"},
		{"my-project_1", 42, "git", "deadbeef0", "f00dcafe", "diffstat"},
	}

	for _, tc := range cases {
		built, err := BuildCanonicalPath(tc.projectKey, tc.repoID, tc.sourceType, tc.revOrSha, tc.sha256, tc.ext)
		if err != nil {
			t.Fatalf("BuildCanonicalPath: %v", err)
		}
		parsed, err := ParseCanonicalPath(built)
		if err != nil {
			t.Fatalf("ParseCanonicalPath(%q): %v", built, err)
		}
		want := ParsedPath{
			ProjectKey: tc.projectKey,
			RepoID:     tc.repoID,
			SourceType: tc.sourceType,
			RevOrSha:   tc.revOrSha,
			SHA256:     tc.sha256,
			Ext:        tc.ext,
			Legacy:     false,
		}
		if parsed != want {
			t.Fatalf("got %+v want %+v", parsed, want)
		}
	}
}

// TestParseCanonicalPathLegacyForms checks that both LegacyPaths schemes
// parse back with Legacy=true and no embedded sha256.
func TestParseCanonicalPathLegacyForms(t *testing.T) {
	for _, p := range LegacyPaths(7, "svn", "r1234", "diff") {
		parsed, err := ParseCanonicalPath(p)
		if err != nil {
			t.Fatalf("ParseCanonicalPath(%q): %v", p, err)
		}
		if !parsed.Legacy || parsed.SourceType != "svn" || parsed.RepoID != 7 || parsed.RevOrSha != "r1234" || parsed.Ext != "diff" || parsed.SHA256 != "" {
			t.Fatalf("got %+v", parsed)
		}
	}

	for _, p := range LegacyPaths(7, "git", "abcdef1", "diff") {
		parsed, err := ParseCanonicalPath(p)
		if err != nil {
			t.Fatalf("ParseCanonicalPath(%q): %v", p, err)
		}
		if !parsed.Legacy || parsed.SourceType != "git" || parsed.RepoID != 7 || parsed.RevOrSha != "abcdef1" || parsed.Ext != "diff" || parsed.SHA256 != "" {
			t.Fatalf("got %+v", parsed)
		}
	}
}

func TestParseCanonicalPathRejectsGarbage(t *testing.T) {
	_, err := ParseCanonicalPath("not/a/scm/path")
	if err == nil {
		t.Fatal("expected error")
	}
	var notCanonical *ErrPathNotCanonical
	if _, ok := err.(*ErrPathNotCanonical); !ok {
		t.Fatalf("got %T want *ErrPathNotCanonical", err)
	}
	_ = notCanonical
}
