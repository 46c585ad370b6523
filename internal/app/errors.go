package app

import (
	"errors"
	"fmt"
	"net/http"

	"eaip/engine/internal/archive"
	"eaip/engine/internal/gitrepo"
	"eaip/engine/internal/store"
	"eaip/engine/internal/workflow"
	"eaip/engine/internal/worklock"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// mapError translates package sentinels into DomainErrors so every caller
// surface reports failures uniformly. Errors that are already DomainErrors
// pass through unchanged.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var de *DomainError
	if errors.As(err, &de) {
		return de
	}
	switch {
	case errors.Is(err, gitrepo.ErrNotFound), errors.Is(err, store.ErrNotFound), errors.Is(err, archive.ErrNotArchived):
		return domainError(http.StatusNotFound, "NOT_FOUND", "requested resource does not exist", nil)
	case errors.Is(err, gitrepo.ErrDuplicateTag):
		return domainError(http.StatusConflict, "DUPLICATE_TAG", "release tag already exists", nil)
	case errors.Is(err, gitrepo.ErrMergeConflict):
		return domainError(http.StatusConflict, "MERGE_CONFLICT", "branches modified the same documents", nil)
	case errors.Is(err, worklock.ErrHeld):
		return domainError(http.StatusConflict, "WORKFLOW_ACTIVE", "document already has an active workflow", nil)
	case errors.Is(err, workflow.ErrInsufficientAuthority):
		return domainError(http.StatusForbidden, "INSUFFICIENT_AUTHORITY", "role may not decide at this level", nil)
	case errors.Is(err, workflow.ErrInvalidTransition):
		return domainError(http.StatusConflict, "INVALID_TRANSITION", "workflow state does not allow this operation", nil)
	case errors.Is(err, workflow.ErrUnknownLevel):
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown approval level for this workflow", nil)
	case errors.Is(err, workflow.ErrUnknownDecision):
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown decision value", nil)
	default:
		return domainError(http.StatusInternalServerError, "STORAGE_ERROR", err.Error(), nil)
	}
}
