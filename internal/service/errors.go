package service

import (
	"errors"
	"fmt"

	"kbapi/internal/repository"
	"kbapi/internal/storage"
)

var (
	ErrIDRequired   = errors.New("id is required")
	ErrNotFound     = errors.New("document not found")
	ErrNoDocuments  = errors.New("no documents provided")
	ErrTooManyFiles = errors.New("too many files in one upload")

	// ErrPermissionDenied marks infrastructure errors caused by missing grants.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrStorageUnavailable marks infrastructure errors caused by a missing bucket.
	ErrStorageUnavailable = errors.New("object storage unavailable")
)

const (
	storageRemediation = `The server does not have permission to write to object storage. ` +
		`Grant the "Storage Admin" role (read, write and delete on objects) to the service account used by this server.`
	bucketRemediation  = "The configured bucket does not exist. Create it or correct MINIO_BUCKET."
	catalogRemediation = "The database role cannot modify the catalog. " +
		"Grant SELECT, INSERT, UPDATE and DELETE on documents and knowledge_aggregate."
)

// InfrastructureError is a failure that affects every document of an operation,
// so the whole operation is aborted. Remediation tells the operator what to fix.
type InfrastructureError struct {
	Op          string
	Kind        error
	Remediation string
	Err         error
}

func (e *InfrastructureError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *InfrastructureError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// asInfrastructure returns an InfrastructureError when err is one, or nil.
func asInfrastructure(op string, err error) *InfrastructureError {
	var ie *InfrastructureError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &ie):
		return ie
	case storage.IsAccessDenied(err):
		return &InfrastructureError{Op: op, Kind: ErrPermissionDenied, Remediation: storageRemediation, Err: err}
	case errors.Is(err, storage.ErrBucketNotFound):
		return &InfrastructureError{Op: op, Kind: ErrStorageUnavailable, Remediation: bucketRemediation, Err: err}
	case errors.Is(err, repository.ErrPermissionDenied):
		return &InfrastructureError{Op: op, Kind: ErrPermissionDenied, Remediation: catalogRemediation, Err: err}
	}
	return nil
}
