package gitrepo

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"eaip/engine/internal/document"
)

var testAuthor = Identity{Name: "Avery", Email: "avery@ana.example"}

func testSnapshot(id, title string) document.Snapshot {
	return document.Snapshot{
		ID:            id,
		Title:         title,
		Country:       "Sweden",
		Status:        "draft",
		AiracCycle:    "2024-01",
		EffectiveDate: time.Date(2024, 3, 21, 0, 0, 0, 0, time.UTC),
		Sections: []document.Section{
			{
				ID:    "gen-1",
				Type:  "GEN",
				Title: "General",
				Subsections: []document.Subsection{
					{ID: "gen-1-1", Code: "GEN 1.1", Title: "Designated Authorities",
						Content: json.RawMessage(`{"text":"The designated authority is..."}`)},
				},
			},
		},
	}
}

func TestOrgRepoLifecycle(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)

	if err := svc.EnsureOrgRepo("org-1", "Nordic ANSP"); err != nil {
		t.Fatalf("EnsureOrgRepo() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(tempDir, "org-1")); err != nil {
		t.Fatalf("repo directory missing: %v", err)
	}
	// Idempotent
	if err := svc.EnsureOrgRepo("org-1", "Nordic ANSP"); err != nil {
		t.Fatalf("EnsureOrgRepo() second call error = %v", err)
	}

	snap := testSnapshot("doc-1", "eAIP Sweden")
	result, err := svc.CommitDocument("org-1", MainBranch, snap, testAuthor, "")
	if err != nil {
		t.Fatalf("CommitDocument() error = %v", err)
	}
	if result.NoChanges {
		t.Fatal("first commit reported no changes")
	}
	if result.Commit.Hash == "" {
		t.Fatal("expected commit hash")
	}
	if !strings.Contains(result.Commit.Message, "Create document: eAIP Sweden") {
		t.Fatalf("unexpected commit message: %q", result.Commit.Message)
	}

	got, err := svc.ReadAt("org-1", "doc-1", MainBranch)
	if err != nil {
		t.Fatalf("ReadAt() error = %v", err)
	}
	if got.Title != "eAIP Sweden" || len(got.Sections) != 1 {
		t.Fatalf("unexpected snapshot: %+v", got)
	}
}

func TestCommitIdenticalContentIsNoop(t *testing.T) {
	svc := New(t.TempDir())
	if err := svc.EnsureOrgRepo("org-1", "Org"); err != nil {
		t.Fatalf("EnsureOrgRepo() error = %v", err)
	}

	snap := testSnapshot("doc-1", "eAIP Sweden")
	first, err := svc.CommitDocument("org-1", MainBranch, snap, testAuthor, "")
	if err != nil {
		t.Fatalf("CommitDocument() error = %v", err)
	}

	second, err := svc.CommitDocument("org-1", MainBranch, snap, testAuthor, "")
	if err != nil {
		t.Fatalf("CommitDocument() repeat error = %v", err)
	}
	if !second.NoChanges {
		t.Fatal("identical content should not create a commit")
	}

	history, err := svc.History("org-1", MainBranch, "doc-1", 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected 1 commit, got %d", len(history))
	}
	if history[0].Hash != first.Commit.Hash {
		t.Fatalf("history head %s != first commit %s", history[0].Hash, first.Commit.Hash)
	}
}

func TestOrgIsolation(t *testing.T) {
	svc := New(t.TempDir())
	for _, org := range []string{"org-a", "org-b"} {
		if err := svc.EnsureOrgRepo(org, org); err != nil {
			t.Fatalf("EnsureOrgRepo(%s) error = %v", org, err)
		}
	}

	snap := testSnapshot("doc-1", "Doc A")
	if _, err := svc.CommitDocument("org-a", MainBranch, snap, testAuthor, ""); err != nil {
		t.Fatalf("CommitDocument() error = %v", err)
	}

	if _, err := svc.ReadAt("org-b", "doc-1", MainBranch); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound from other org, got %v", err)
	}
}

func TestHistoryLimitAndOrder(t *testing.T) {
	svc := New(t.TempDir())
	if err := svc.EnsureOrgRepo("org-1", "Org"); err != nil {
		t.Fatalf("EnsureOrgRepo() error = %v", err)
	}

	for i := 0; i < 5; i++ {
		snap := testSnapshot("doc-1", fmt.Sprintf("Title v%d", i))
		if _, err := svc.CommitDocument("org-1", MainBranch, snap, testAuthor, fmt.Sprintf("rev %d", i)); err != nil {
			t.Fatalf("CommitDocument(%d) error = %v", i, err)
		}
	}

	history, err := svc.History("org-1", MainBranch, "doc-1", 3)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 commits with limit, got %d", len(history))
	}
	if !strings.Contains(history[0].Message, "rev 4") {
		t.Fatalf("expected newest first, head message %q", history[0].Message)
	}
}

func TestReviewBranchAndFastForwardMerge(t *testing.T) {
	svc := New(t.TempDir())
	if err := svc.EnsureOrgRepo("org-1", "Org"); err != nil {
		t.Fatalf("EnsureOrgRepo() error = %v", err)
	}
	if _, err := svc.CommitDocument("org-1", MainBranch, testSnapshot("doc-1", "Base"), testAuthor, ""); err != nil {
		t.Fatalf("CommitDocument() error = %v", err)
	}

	if err := svc.StartReviewBranch("org-1", "review-amdt-1", MainBranch); err != nil {
		t.Fatalf("StartReviewBranch() error = %v", err)
	}
	// Idempotent
	if err := svc.StartReviewBranch("org-1", "review-amdt-1", MainBranch); err != nil {
		t.Fatalf("StartReviewBranch() second call error = %v", err)
	}

	updated := testSnapshot("doc-1", "Amended")
	branchCommit, err := svc.CommitDocument("org-1", "review-amdt-1", updated, testAuthor, "")
	if err != nil {
		t.Fatalf("CommitDocument() on branch error = %v", err)
	}

	// Main still has the old content.
	onMain, err := svc.ReadAt("org-1", "doc-1", MainBranch)
	if err != nil {
		t.Fatalf("ReadAt(main) error = %v", err)
	}
	if onMain.Title != "Base" {
		t.Fatalf("branch commit leaked to main: %+v", onMain)
	}

	merged, err := svc.Merge("org-1", "review-amdt-1", MainBranch, testAuthor, "")
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if merged.Hash != branchCommit.Commit.Hash {
		t.Fatalf("expected fast-forward to %s, got %s", branchCommit.Commit.Hash, merged.Hash)
	}

	afterMerge, err := svc.ReadAt("org-1", "doc-1", MainBranch)
	if err != nil {
		t.Fatalf("ReadAt(main) after merge error = %v", err)
	}
	if afterMerge.Title != "Amended" {
		t.Fatalf("merge did not land on main: %+v", afterMerge)
	}
}

func TestMergeCreatesMergeCommitWhenDiverged(t *testing.T) {
	svc := New(t.TempDir())
	if err := svc.EnsureOrgRepo("org-1", "Org"); err != nil {
		t.Fatalf("EnsureOrgRepo() error = %v", err)
	}
	if _, err := svc.CommitDocument("org-1", MainBranch, testSnapshot("doc-1", "Base"), testAuthor, ""); err != nil {
		t.Fatalf("CommitDocument() error = %v", err)
	}
	if err := svc.StartReviewBranch("org-1", "review-1", MainBranch); err != nil {
		t.Fatalf("StartReviewBranch() error = %v", err)
	}

	// Different documents on each side: no conflict.
	if _, err := svc.CommitDocument("org-1", "review-1", testSnapshot("doc-2", "Branch Doc"), testAuthor, ""); err != nil {
		t.Fatalf("CommitDocument(branch) error = %v", err)
	}
	if _, err := svc.CommitDocument("org-1", MainBranch, testSnapshot("doc-3", "Main Doc"), testAuthor, ""); err != nil {
		t.Fatalf("CommitDocument(main) error = %v", err)
	}

	merged, err := svc.Merge("org-1", "review-1", MainBranch, testAuthor, "Merge review-1")
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if len(merged.Parents) != 2 {
		t.Fatalf("expected merge commit with 2 parents, got %v", merged.Parents)
	}

	for _, docID := range []string{"doc-1", "doc-2", "doc-3"} {
		if _, err := svc.ReadAt("org-1", docID, MainBranch); err != nil {
			t.Fatalf("ReadAt(%s) after merge error = %v", docID, err)
		}
	}
}

func TestMergeWhenBothSidesDeletedSameDocument(t *testing.T) {
	svc := New(t.TempDir())
	if err := svc.EnsureOrgRepo("org-1", "Org"); err != nil {
		t.Fatalf("EnsureOrgRepo() error = %v", err)
	}
	for _, docID := range []string{"doc-1", "doc-2"} {
		if _, err := svc.CommitDocument("org-1", MainBranch, testSnapshot(docID, "Base "+docID), testAuthor, ""); err != nil {
			t.Fatalf("CommitDocument(%s) error = %v", docID, err)
		}
	}
	if err := svc.StartReviewBranch("org-1", "review-1", MainBranch); err != nil {
		t.Fatalf("StartReviewBranch() error = %v", err)
	}

	// Both sides retire doc-1; each side also makes an independent change.
	if _, err := svc.DeleteDocument("org-1", "review-1", "doc-1", testAuthor, ""); err != nil {
		t.Fatalf("DeleteDocument(branch) error = %v", err)
	}
	if _, err := svc.CommitDocument("org-1", "review-1", testSnapshot("doc-2", "Branch Edit"), testAuthor, ""); err != nil {
		t.Fatalf("CommitDocument(branch) error = %v", err)
	}
	if _, err := svc.DeleteDocument("org-1", MainBranch, "doc-1", testAuthor, ""); err != nil {
		t.Fatalf("DeleteDocument(main) error = %v", err)
	}
	if _, err := svc.CommitDocument("org-1", MainBranch, testSnapshot("doc-3", "Main Doc"), testAuthor, ""); err != nil {
		t.Fatalf("CommitDocument(main) error = %v", err)
	}

	merged, err := svc.Merge("org-1", "review-1", MainBranch, testAuthor, "")
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if len(merged.Parents) != 2 {
		t.Fatalf("expected merge commit with 2 parents, got %v", merged.Parents)
	}

	if _, err := svc.ReadAt("org-1", "doc-1", MainBranch); !errors.Is(err, ErrNotFound) {
		t.Fatalf("doc-1 should stay deleted after merge, got %v", err)
	}
	got, err := svc.ReadAt("org-1", "doc-2", MainBranch)
	if err != nil {
		t.Fatalf("ReadAt(doc-2) after merge error = %v", err)
	}
	if got.Title != "Branch Edit" {
		t.Fatalf("branch edit did not land: %+v", got)
	}
	if _, err := svc.ReadAt("org-1", "doc-3", MainBranch); err != nil {
		t.Fatalf("ReadAt(doc-3) after merge error = %v", err)
	}
}

func TestMergeConflictOnSameDocument(t *testing.T) {
	svc := New(t.TempDir())
	if err := svc.EnsureOrgRepo("org-1", "Org"); err != nil {
		t.Fatalf("EnsureOrgRepo() error = %v", err)
	}
	if _, err := svc.CommitDocument("org-1", MainBranch, testSnapshot("doc-1", "Base"), testAuthor, ""); err != nil {
		t.Fatalf("CommitDocument() error = %v", err)
	}
	if err := svc.StartReviewBranch("org-1", "review-1", MainBranch); err != nil {
		t.Fatalf("StartReviewBranch() error = %v", err)
	}

	if _, err := svc.CommitDocument("org-1", "review-1", testSnapshot("doc-1", "Branch Edit"), testAuthor, ""); err != nil {
		t.Fatalf("CommitDocument(branch) error = %v", err)
	}
	if _, err := svc.CommitDocument("org-1", MainBranch, testSnapshot("doc-1", "Main Edit"), testAuthor, ""); err != nil {
		t.Fatalf("CommitDocument(main) error = %v", err)
	}

	if _, err := svc.Merge("org-1", "review-1", MainBranch, testAuthor, ""); !errors.Is(err, ErrMergeConflict) {
		t.Fatalf("expected ErrMergeConflict, got %v", err)
	}
}

func TestTagsAreImmutable(t *testing.T) {
	svc := New(t.TempDir())
	if err := svc.EnsureOrgRepo("org-1", "Org"); err != nil {
		t.Fatalf("EnsureOrgRepo() error = %v", err)
	}
	first, err := svc.CommitDocument("org-1", MainBranch, testSnapshot("doc-1", "v1"), testAuthor, "")
	if err != nil {
		t.Fatalf("CommitDocument() error = %v", err)
	}

	if err := svc.TagRelease("org-1", "airac-2024-01", MainBranch, "AIRAC 2024-01", testAuthor); err != nil {
		t.Fatalf("TagRelease() error = %v", err)
	}
	if err := svc.TagRelease("org-1", "airac-2024-01", MainBranch, "again", testAuthor); !errors.Is(err, ErrDuplicateTag) {
		t.Fatalf("expected ErrDuplicateTag, got %v", err)
	}

	// New commits do not move the tag.
	if _, err := svc.CommitDocument("org-1", MainBranch, testSnapshot("doc-1", "v2"), testAuthor, ""); err != nil {
		t.Fatalf("CommitDocument() error = %v", err)
	}
	tagged, err := svc.TagCommit("org-1", "airac-2024-01")
	if err != nil {
		t.Fatalf("TagCommit() error = %v", err)
	}
	if tagged.Hash != first.Commit.Hash {
		t.Fatalf("tag moved: %s != %s", tagged.Hash, first.Commit.Hash)
	}

	atTag, err := svc.ReadAt("org-1", "doc-1", "airac-2024-01")
	if err != nil {
		t.Fatalf("ReadAt(tag) error = %v", err)
	}
	if atTag.Title != "v1" {
		t.Fatalf("tag resolved to wrong content: %+v", atTag)
	}

	tags, err := svc.ListTags("org-1")
	if err != nil {
		t.Fatalf("ListTags() error = %v", err)
	}
	if len(tags) != 1 || tags[0] != "airac-2024-01" {
		t.Fatalf("unexpected tags: %v", tags)
	}
}

func TestDeleteDocument(t *testing.T) {
	svc := New(t.TempDir())
	if err := svc.EnsureOrgRepo("org-1", "Org"); err != nil {
		t.Fatalf("EnsureOrgRepo() error = %v", err)
	}
	if _, err := svc.CommitDocument("org-1", MainBranch, testSnapshot("doc-1", "Doc"), testAuthor, ""); err != nil {
		t.Fatalf("CommitDocument() error = %v", err)
	}

	if _, err := svc.DeleteDocument("org-1", MainBranch, "doc-1", testAuthor, ""); err != nil {
		t.Fatalf("DeleteDocument() error = %v", err)
	}
	if _, err := svc.ReadAt("org-1", "doc-1", MainBranch); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if _, err := svc.DeleteDocument("org-1", MainBranch, "doc-1", testAuthor, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound deleting twice, got %v", err)
	}
}

func TestConcurrentCommitsAcrossOrgs(t *testing.T) {
	svc := New(t.TempDir())
	orgs := []string{"org-a", "org-b", "org-c", "org-d"}
	for _, org := range orgs {
		if err := svc.EnsureOrgRepo(org, org); err != nil {
			t.Fatalf("EnsureOrgRepo(%s) error = %v", org, err)
		}
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(orgs)*5)
	for _, org := range orgs {
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func(org string, i int) {
				defer wg.Done()
				snap := testSnapshot("doc-1", fmt.Sprintf("%s v%d", org, i))
				if _, err := svc.CommitDocument(org, MainBranch, snap, testAuthor, ""); err != nil {
					errs <- fmt.Errorf("%s commit %d: %w", org, i, err)
				}
			}(org, i)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	for _, org := range orgs {
		history, err := svc.History(org, MainBranch, "doc-1", 0)
		if err != nil {
			t.Fatalf("History(%s) error = %v", org, err)
		}
		if len(history) != 5 {
			t.Fatalf("%s: expected 5 commits, got %d", org, len(history))
		}
	}
}
