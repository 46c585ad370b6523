package gitrepo

import "errors"

var (
	// ErrNotFound reports a missing organization repository, commit, or a
	// document absent at the requested commit.
	ErrNotFound = errors.New("not found")

	// ErrNoChanges reports a commit attempt whose serialized content is
	// byte-identical to the current tip. Callers treat it as a no-op
	// result, not a failure.
	ErrNoChanges = errors.New("no changes")

	// ErrDuplicateTag reports an attempt to reuse an existing tag name.
	// Tags are immutable once created.
	ErrDuplicateTag = errors.New("tag already exists")

	// ErrMergeConflict reports divergent branch history that needs manual
	// resolution. The engine never auto-resolves content conflicts.
	ErrMergeConflict = errors.New("merge conflict")
)
