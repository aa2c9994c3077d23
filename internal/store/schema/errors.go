package schema

import (
	"fmt"

	"github.com/tablesync/opstore/internal/errors"
)

const (
	ErrVersionConflict      errors.Code = "VersionConflict"
	ErrInvalidConfiguration errors.Code = "InvalidConfiguration"
	ErrUnknownDocType       errors.Code = "UnknownDocType"
	ErrInvalidCollection    errors.Code = "InvalidCollection"
	ErrTransactionTimeout   errors.Code = "TransactionTimeout"
	ErrTransactionAborted   errors.Code = "TransactionAborted"
	ErrDocumentNotFound     errors.Code = "DocumentNotFound"
	ErrDocumentExists       errors.Code = "DocumentExists"
	ErrInvalidOperation     errors.Code = "InvalidOperation"
	ErrInvalidSnapshot      errors.Code = "InvalidSnapshot"
)

// The following are helper functions for constructing coded errors containing
// relevant information about the specific error.

func NewErrVersionConflict(collection, docID string, maxVersion, got int64) error {
	return errors.New(
		ErrVersionConflict,
		fmt.Sprintf("%s/%s version mismatch: stored version %d, snapshot version %d", collection, docID, maxVersion, got),
	)
}

func NewErrInvalidConfiguration(message string) error {
	return errors.New(ErrInvalidConfiguration, message)
}

func NewErrUnknownDocType(docType string) error {
	return errors.New(
		ErrUnknownDocType,
		fmt.Sprintf("unknown document type '%s'", docType),
	)
}

func NewErrInvalidCollection(collection string) error {
	return errors.New(
		ErrInvalidCollection,
		fmt.Sprintf("invalid collection '%s'", collection),
	)
}

func NewErrTransactionTimeout(key string) error {
	return errors.New(
		ErrTransactionTimeout,
		fmt.Sprintf("transaction '%s' timed out", key),
	)
}

// NewErrTransactionAborted wraps cause, so a unit that timed out still
// matches ErrTransactionTimeout.
func NewErrTransactionAborted(key string, cause error) error {
	msg := fmt.Sprintf("transaction '%s' aborted", key)
	if cause != nil {
		msg += ": " + cause.Error()
	}
	return errors.NewWithCause(ErrTransactionAborted, msg, cause)
}

func NewErrDocumentNotFound(docType DocType, id string) error {
	return errors.New(
		ErrDocumentNotFound,
		fmt.Sprintf("%s document '%s' does not exist", docType, id),
	)
}

func NewErrDocumentExists(docType DocType, id string) error {
	return errors.New(
		ErrDocumentExists,
		fmt.Sprintf("%s document '%s' already exists", docType, id),
	)
}

func NewErrInvalidOperation(message string) error {
	return errors.New(ErrInvalidOperation, message)
}

func NewErrInvalidSnapshot(docType DocType, cause error) error {
	return errors.New(
		ErrInvalidSnapshot,
		fmt.Sprintf("invalid %s snapshot: %v", docType, cause),
	)
}
