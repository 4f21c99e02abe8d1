package persistence

import (
	goerrors "github.com/goliatone/go-errors"
)

// Sentinel errors. Operations wrap them with fmt.Errorf("...: %w") so callers
// can match with errors.Is or by category with goerrors.IsNotFound and friends.
var (
	ErrNotAnEntity         = goerrors.New("type is not a registered entity", goerrors.CategoryBadInput)
	ErrDetachedEntity      = goerrors.New("detached entity passed to persist", goerrors.CategoryConflict)
	ErrNotManaged          = goerrors.New("entity is not managed by this persistence context", goerrors.CategoryBadInput)
	ErrEntityNotFound      = goerrors.New("entity not found", goerrors.CategoryNotFound)
	ErrTransactionRequired = goerrors.New("no active transaction", goerrors.CategoryOperation)
	ErrTransactionActive   = goerrors.New("transaction already active", goerrors.CategoryOperation)
	ErrRollbackOnly        = goerrors.New("transaction marked rollback only", goerrors.CategoryOperation)
	ErrNoResult            = goerrors.New("query returned no result", goerrors.CategoryNotFound)
	ErrNonUniqueResult     = goerrors.New("query returned more than one result", goerrors.CategoryConflict)
	ErrUnknownNamedQuery   = goerrors.New("unknown named query", goerrors.CategoryBadInput)
	ErrTransientReference  = goerrors.New("entity references an unsaved transient instance", goerrors.CategoryConflict)
	ErrManagerClosed       = goerrors.New("entity manager is closed", goerrors.CategoryOperation)
	ErrInvalidParameter    = goerrors.New("invalid query parameter", goerrors.CategoryBadInput)
)
