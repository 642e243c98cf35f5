package auth

import (
	pkgerrors "autograder/pkg/errors"
)

// AuthorizeRead allows admins to read any submission and everyone else only their own.
func AuthorizeRead(caller Caller, ownerID int64) error {
	if caller.IsAdmin() || caller.ID == ownerID {
		return nil
	}
	return pkgerrors.PermissionDeniedError("you can only view your own submissions")
}

// AuthorizeCreate allows a caller to submit only on their own behalf.
func AuthorizeCreate(caller Caller, requestedOwnerID int64) error {
	if caller.ID > 0 && caller.ID == requestedOwnerID {
		return nil
	}
	return pkgerrors.PermissionDeniedError("you can only submit on your own behalf")
}

// RequireAdmin rejects non-admin callers.
func RequireAdmin(caller Caller) error {
	if caller.IsAdmin() {
		return nil
	}
	return pkgerrors.New(pkgerrors.InsufficientPermission).WithMessage("administrator role required")
}
