// Package gitrepo owns the per-organization versioned repositories. Every
// organization gets a fully isolated repository on disk; there is no shared
// state and no cross-tenant read path. Writes to one organization's
// repository are serialized, reads may run concurrently.
package gitrepo

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"eaip/engine/internal/document"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// MainBranch is the published line of every organization repository.
const MainBranch = "main"

// Identity is the acting user recorded as commit author or tagger. It is
// supplied by the authentication subsystem; the engine never commits under
// a system identity for user edits.
type Identity struct {
	Name  string
	Email string
}

func (id Identity) signature(when time.Time) *object.Signature {
	return &object.Signature{Name: id.Name, Email: id.Email, When: when}
}

// CommitMeta describes one commit for history views.
type CommitMeta struct {
	Hash        string
	ShortHash   string
	Message     string
	AuthorName  string
	AuthorEmail string
	When        time.Time
	Parents     []string
}

// CommitResult is the outcome of a snapshot write. NoChanges means the
// serialized content was byte-identical to the tip and no commit was made.
type CommitResult struct {
	NoChanges bool
	Commit    CommitMeta
}

// Service is the repository handle registry. Repositories are opened on
// demand; each organization has its own lock, so organizations never
// contend with each other.
type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.RWMutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.RWMutex),
	}
}

// EnsureOrgRepo opens or creates the repository for an organization. It is
// idempotent and safe to call on every provisioning pass.
func (s *Service) EnsureOrgRepo(orgID, orgName string) error {
	lock := s.orgLock(orgID)
	lock.Lock()
	defer lock.Unlock()

	path := s.repoPath(orgID)
	if _, err := os.Stat(filepath.Join(path, ".git")); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat repo path: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create repo dir: %w", err)
	}

	repo, err := git.PlainInit(path, false)
	if err != nil {
		return fmt.Errorf("init repo: %w", err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}

	readme := fmt.Sprintf("# %s - eAIP Document Repository\n\nOrganization ID: %s\n\n## Structure\n- /documents - AIP document JSON files\n- /metadata - Document metadata sidecars\n", orgName, orgID)
	if err := os.WriteFile(filepath.Join(path, "README.md"), []byte(readme), 0o644); err != nil {
		return fmt.Errorf("write readme: %w", err)
	}
	if _, err := worktree.Add("README.md"); err != nil {
		return fmt.Errorf("git add readme: %w", err)
	}
	hash, err := worktree.Commit("Initial repository setup", &git.CommitOptions{
		Author: &object.Signature{
			Name:  "eAIP System",
			Email: "system@eaip.local",
			When:  time.Now(),
		},
	})
	if err != nil {
		return fmt.Errorf("commit initial state: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName(MainBranch), hash)); err != nil {
		return fmt.Errorf("set main branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(MainBranch))); err != nil {
		return fmt.Errorf("set HEAD to main: %w", err)
	}
	return nil
}

// CommitDocument serializes a snapshot plus its metadata sidecar, stages
// both, and commits them to the given branch attributed to the editor.
// A byte-identical snapshot yields a NoChanges result and leaves history
// untouched. Staging completes before the commit is written, so a failure
// mid-write never publishes a commit referencing partially written files.
func (s *Service) CommitDocument(orgID, branch string, snap document.Snapshot, author Identity, message string) (CommitResult, error) {
	lock := s.orgLock(orgID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(orgID)
	if err != nil {
		return CommitResult{}, err
	}

	payload, err := document.Canonical(snap)
	if err != nil {
		return CommitResult{}, err
	}

	docPath := document.FilePath(snap.ID)
	existed := false
	if tip, tipErr := branchTip(repo, branch); tipErr == nil {
		if current, readErr := fileBytesAt(tip, docPath); readErr == nil {
			existed = true
			if bytes.Equal(current, payload) {
				return CommitResult{NoChanges: true, Commit: toCommitMeta(tip)}, nil
			}
		}
	}

	if err := checkoutBranch(repo, branch); err != nil {
		return CommitResult{}, err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return CommitResult{}, fmt.Errorf("open worktree: %w", err)
	}
	root := worktree.Filesystem.Root()

	now := time.Now()
	meta, err := document.EncodeMetadata(document.SidecarFor(snap, author.Name, now))
	if err != nil {
		return CommitResult{}, err
	}

	if err := os.MkdirAll(filepath.Join(root, "documents"), 0o755); err != nil {
		return CommitResult{}, fmt.Errorf("create documents dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(root, "metadata"), 0o755); err != nil {
		return CommitResult{}, fmt.Errorf("create metadata dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(root, docPath), payload, 0o644); err != nil {
		return CommitResult{}, fmt.Errorf("write document file: %w", err)
	}
	if err := os.WriteFile(filepath.Join(root, document.MetaPath(snap.ID)), meta, 0o644); err != nil {
		return CommitResult{}, fmt.Errorf("write metadata sidecar: %w", err)
	}

	if _, err := worktree.Add(docPath); err != nil {
		return CommitResult{}, fmt.Errorf("git add document: %w", err)
	}
	if _, err := worktree.Add(document.MetaPath(snap.ID)); err != nil {
		return CommitResult{}, fmt.Errorf("git add metadata: %w", err)
	}

	if message == "" {
		action := "Create"
		if existed {
			action = "Update"
		}
		message = generateCommitMessage(action, snap.Title, snap.ID, snap.AiracCycle, snap.Status)
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{Author: author.signature(now)})
	if err != nil {
		return CommitResult{}, fmt.Errorf("commit document: %w", err)
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return CommitResult{}, fmt.Errorf("read commit object: %w", err)
	}
	return CommitResult{Commit: toCommitMeta(commitObj)}, nil
}

// DeleteDocument removes a document and its sidecar from the branch in one
// commit attributed to the editor.
func (s *Service) DeleteDocument(orgID, branch, docID string, author Identity, message string) (CommitMeta, error) {
	lock := s.orgLock(orgID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(orgID)
	if err != nil {
		return CommitMeta{}, err
	}

	tip, err := branchTip(repo, branch)
	if err != nil {
		return CommitMeta{}, err
	}
	raw, err := fileBytesAt(tip, document.FilePath(docID))
	if err != nil {
		return CommitMeta{}, fmt.Errorf("document %s: %w", docID, ErrNotFound)
	}
	snap, err := document.Decode(raw)
	if err != nil {
		return CommitMeta{}, err
	}

	if err := checkoutBranch(repo, branch); err != nil {
		return CommitMeta{}, err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return CommitMeta{}, fmt.Errorf("open worktree: %w", err)
	}
	if _, err := worktree.Remove(document.FilePath(docID)); err != nil {
		return CommitMeta{}, fmt.Errorf("git rm document: %w", err)
	}
	if _, err := worktree.Remove(document.MetaPath(docID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return CommitMeta{}, fmt.Errorf("git rm metadata: %w", err)
	}

	if message == "" {
		message = generateCommitMessage("Delete", snap.Title, snap.ID, snap.AiracCycle, snap.Status)
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{Author: author.signature(time.Now())})
	if err != nil {
		return CommitMeta{}, fmt.Errorf("commit delete: %w", err)
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return CommitMeta{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitMeta(commitObj), nil
}

// History lists commits touching one document, most recent first. A
// document with zero commits yields an empty slice, not an error.
func (s *Service) History(orgID, branch, docID string, limit int) ([]CommitMeta, error) {
	lock := s.orgLock(orgID)
	lock.RLock()
	defer lock.RUnlock()

	repo, err := s.open(orgID)
	if err != nil {
		return nil, err
	}
	tip, err := branchTip(repo, branch)
	if err != nil {
		return nil, err
	}

	docPath := document.FilePath(docID)
	iter, err := repo.Log(&git.LogOptions{From: tip.Hash, FileName: &docPath})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]CommitMeta, 0, limit)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitMeta(commitObj))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// ReadAt returns a document's snapshot as stored at the given revision.
// The revision may be a full or abbreviated hash, a branch, or a tag.
func (s *Service) ReadAt(orgID, docID, revision string) (document.Snapshot, error) {
	lock := s.orgLock(orgID)
	lock.RLock()
	defer lock.RUnlock()

	repo, err := s.open(orgID)
	if err != nil {
		return document.Snapshot{}, err
	}
	commitObj, err := commitAt(repo, revision)
	if err != nil {
		return document.Snapshot{}, err
	}
	raw, err := fileBytesAt(commitObj, document.FilePath(docID))
	if err != nil {
		return document.Snapshot{}, fmt.Errorf("document %s at %s: %w", docID, revision, ErrNotFound)
	}
	return document.Decode(raw)
}

// Head returns the tip commit of a branch.
func (s *Service) Head(orgID, branch string) (CommitMeta, error) {
	lock := s.orgLock(orgID)
	lock.RLock()
	defer lock.RUnlock()

	repo, err := s.open(orgID)
	if err != nil {
		return CommitMeta{}, err
	}
	tip, err := branchTip(repo, branch)
	if err != nil {
		return CommitMeta{}, err
	}
	return toCommitMeta(tip), nil
}

// StartReviewBranch creates a review branch pointing at the tip of the
// published line (or another source branch). Creating an existing branch is
// a no-op.
func (s *Service) StartReviewBranch(orgID, name, from string) error {
	lock := s.orgLock(orgID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(orgID)
	if err != nil {
		return err
	}
	if from == "" {
		from = MainBranch
	}

	branchRefName := plumbing.NewBranchReferenceName(name)
	if _, err := repo.Reference(branchRefName, true); err == nil {
		return nil
	}
	fromRef, err := repo.Reference(plumbing.NewBranchReferenceName(from), true)
	if err != nil {
		return fmt.Errorf("source branch %s: %w", from, ErrNotFound)
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(branchRefName, fromRef.Hash())); err != nil {
		return fmt.Errorf("create branch ref: %w", err)
	}
	return nil
}

// Merge brings a review branch back into the target branch. Fast-forwards
// when the target has not moved; otherwise creates an explicit merge commit
// attributed to the merger. Fails with ErrMergeConflict when both sides
// changed the same path since the branch point; content conflicts are never
// auto-resolved here.
func (s *Service) Merge(orgID, source, target string, merger Identity, message string) (CommitMeta, error) {
	lock := s.orgLock(orgID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(orgID)
	if err != nil {
		return CommitMeta{}, err
	}
	if target == "" {
		target = MainBranch
	}

	sourceTip, err := branchTip(repo, source)
	if err != nil {
		return CommitMeta{}, err
	}
	targetTip, err := branchTip(repo, target)
	if err != nil {
		return CommitMeta{}, err
	}

	bases, err := sourceTip.MergeBase(targetTip)
	if err != nil || len(bases) == 0 {
		return CommitMeta{}, fmt.Errorf("branches %s and %s share no history: %w", source, target, ErrMergeConflict)
	}
	base := bases[0]

	// Source fully contained in target: nothing to merge.
	if base.Hash == sourceTip.Hash {
		return toCommitMeta(targetTip), nil
	}

	// Target unchanged since branch point: fast-forward.
	if base.Hash == targetTip.Hash {
		targetRef := plumbing.NewBranchReferenceName(target)
		if err := repo.Storer.SetReference(plumbing.NewHashReference(targetRef, sourceTip.Hash)); err != nil {
			return CommitMeta{}, fmt.Errorf("fast-forward %s: %w", target, err)
		}
		if err := checkoutBranch(repo, target); err != nil {
			return CommitMeta{}, err
		}
		return toCommitMeta(sourceTip), nil
	}

	sourceChanges, err := changedPaths(base, sourceTip)
	if err != nil {
		return CommitMeta{}, err
	}
	targetChanges, err := changedPaths(base, targetTip)
	if err != nil {
		return CommitMeta{}, err
	}
	for path, sourceHash := range sourceChanges {
		targetHash, both := targetChanges[path]
		if both && sourceHash != targetHash {
			return CommitMeta{}, fmt.Errorf("path %s changed on both %s and %s: %w", path, source, target, ErrMergeConflict)
		}
	}

	if err := checkoutBranch(repo, target); err != nil {
		return CommitMeta{}, err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return CommitMeta{}, fmt.Errorf("open worktree: %w", err)
	}
	root := worktree.Filesystem.Root()

	paths := make([]string, 0, len(sourceChanges))
	for path := range sourceChanges {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	for _, path := range paths {
		if sourceChanges[path] == plumbing.ZeroHash {
			// Both sides may have deleted the same path; nothing left to remove.
			if _, err := targetTip.File(path); err != nil {
				if errors.Is(err, object.ErrFileNotFound) {
					continue
				}
				return CommitMeta{}, fmt.Errorf("stat %s on %s: %w", path, target, err)
			}
			if _, err := worktree.Remove(path); err != nil {
				return CommitMeta{}, fmt.Errorf("git rm %s: %w", path, err)
			}
			continue
		}
		contents, err := fileBytesAt(sourceTip, path)
		if err != nil {
			return CommitMeta{}, fmt.Errorf("read %s from source: %w", path, err)
		}
		if err := os.MkdirAll(filepath.Dir(filepath.Join(root, path)), 0o755); err != nil {
			return CommitMeta{}, fmt.Errorf("create dir for %s: %w", path, err)
		}
		if err := os.WriteFile(filepath.Join(root, path), contents, 0o644); err != nil {
			return CommitMeta{}, fmt.Errorf("write %s: %w", path, err)
		}
		if _, err := worktree.Add(path); err != nil {
			return CommitMeta{}, fmt.Errorf("git add %s: %w", path, err)
		}
	}

	if message == "" {
		message = fmt.Sprintf("Merge branch '%s' into %s", source, target)
	}
	// A merge can be tree-identical to the target (e.g. both sides deleted
	// the same document) and still needs a commit joining the histories.
	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author:            merger.signature(time.Now()),
		Parents:           []plumbing.Hash{targetTip.Hash, sourceTip.Hash},
		AllowEmptyCommits: true,
	})
	if err != nil {
		return CommitMeta{}, fmt.Errorf("commit merge: %w", err)
	}
	merged, err := repo.CommitObject(hash)
	if err != nil {
		return CommitMeta{}, fmt.Errorf("read merge commit object: %w", err)
	}
	return toCommitMeta(merged), nil
}

// TagRelease creates an immutable tag at the given revision. Reusing an
// existing tag name fails with ErrDuplicateTag and never moves the tag.
func (s *Service) TagRelease(orgID, tagName, revision, message string, tagger Identity) error {
	lock := s.orgLock(orgID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(orgID)
	if err != nil {
		return err
	}
	commitObj, err := commitAt(repo, revision)
	if err != nil {
		return err
	}

	_, err = repo.CreateTag(tagName, commitObj.Hash, &git.CreateTagOptions{
		Tagger:  tagger.signature(time.Now()),
		Message: message,
	})
	if errors.Is(err, git.ErrTagExists) {
		return fmt.Errorf("tag %s: %w", tagName, ErrDuplicateTag)
	}
	if err != nil {
		return fmt.Errorf("create tag: %w", err)
	}
	return nil
}

// ListTags returns all release tag names of an organization, sorted.
func (s *Service) ListTags(orgID string) ([]string, error) {
	lock := s.orgLock(orgID)
	lock.RLock()
	defer lock.RUnlock()

	repo, err := s.open(orgID)
	if err != nil {
		return nil, err
	}
	iter, err := repo.Tags()
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	defer iter.Close()

	var names []string
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		names = append(names, ref.Name().Short())
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate tags: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// TagCommit resolves the commit a tag points at.
func (s *Service) TagCommit(orgID, tagName string) (CommitMeta, error) {
	lock := s.orgLock(orgID)
	lock.RLock()
	defer lock.RUnlock()

	repo, err := s.open(orgID)
	if err != nil {
		return CommitMeta{}, err
	}
	commitObj, err := commitAt(repo, tagName)
	if err != nil {
		return CommitMeta{}, err
	}
	return toCommitMeta(commitObj), nil
}

func (s *Service) repoPath(orgID string) string {
	return filepath.Join(s.baseDir, orgID)
}

func (s *Service) orgLock(orgID string) *sync.RWMutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[orgID]
	if !ok {
		lock = &sync.RWMutex{}
		s.locks[orgID] = lock
	}
	return lock
}

func (s *Service) open(orgID string) (*git.Repository, error) {
	repo, err := git.PlainOpen(s.repoPath(orgID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("organization %s repository: %w", orgID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, nil
}

func branchTip(repo *git.Repository, branch string) (*object.Commit, error) {
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		return nil, fmt.Errorf("branch %s: %w", branch, ErrNotFound)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("load commit object: %w", err)
	}
	return commitObj, nil
}

func commitAt(repo *git.Repository, revision string) (*object.Commit, error) {
	resolved, err := repo.ResolveRevision(plumbing.Revision(revision))
	if err != nil {
		return nil, fmt.Errorf("revision %s: %w", revision, ErrNotFound)
	}
	commitObj, err := repo.CommitObject(*resolved)
	if err != nil {
		return nil, fmt.Errorf("commit %s: %w", revision, ErrNotFound)
	}
	return commitObj, nil
}

func checkoutBranch(repo *git.Repository, branch string) error {
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	branchRef := plumbing.NewBranchReferenceName(branch)
	if _, err := repo.Reference(branchRef, true); err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			if err := worktree.Checkout(&git.CheckoutOptions{Branch: branchRef, Create: true}); err != nil {
				return fmt.Errorf("create branch checkout %s: %w", branch, err)
			}
			return nil
		}
		return fmt.Errorf("resolve branch %s: %w", branch, err)
	}
	if err := worktree.Checkout(&git.CheckoutOptions{Branch: branchRef, Force: true}); err != nil {
		return fmt.Errorf("checkout branch %s: %w", branch, err)
	}
	return nil
}

func fileBytesAt(commitObj *object.Commit, path string) ([]byte, error) {
	file, err := commitObj.File(path)
	if err != nil {
		return nil, err
	}
	reader, err := file.Reader()
	if err != nil {
		return nil, fmt.Errorf("open file reader: %w", err)
	}
	defer reader.Close()
	return io.ReadAll(reader)
}

// changedPaths maps every path changed between two commits to its blob hash
// in the newer commit; deletions map to the zero hash.
func changedPaths(from, to *object.Commit) (map[string]plumbing.Hash, error) {
	fromTree, err := from.Tree()
	if err != nil {
		return nil, fmt.Errorf("load base tree: %w", err)
	}
	toTree, err := to.Tree()
	if err != nil {
		return nil, fmt.Errorf("load tip tree: %w", err)
	}
	changes, err := object.DiffTree(fromTree, toTree)
	if err != nil {
		return nil, fmt.Errorf("diff trees: %w", err)
	}
	result := make(map[string]plumbing.Hash, len(changes))
	for _, change := range changes {
		if change.To.Name != "" {
			result[change.To.Name] = change.To.TreeEntry.Hash
			continue
		}
		result[change.From.Name] = plumbing.ZeroHash
	}
	return result, nil
}

func toCommitMeta(commitObj *object.Commit) CommitMeta {
	parents := make([]string, 0, commitObj.NumParents())
	_ = commitObj.Parents().ForEach(func(parent *object.Commit) error {
		parents = append(parents, parent.Hash.String())
		return nil
	})
	return CommitMeta{
		Hash:        commitObj.Hash.String(),
		ShortHash:   commitObj.Hash.String()[:7],
		Message:     commitObj.Message,
		AuthorName:  commitObj.Author.Name,
		AuthorEmail: commitObj.Author.Email,
		When:        commitObj.Author.When,
		Parents:     parents,
	}
}

func generateCommitMessage(action, title, docID, cycle, status string) string {
	return fmt.Sprintf("%s document: %s\n\nDocument ID: %s\nAIRAC Cycle: %s\nStatus: %s", action, title, docID, cycle, status)
}
