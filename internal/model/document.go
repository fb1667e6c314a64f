package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultContentType is recorded when an upload does not declare one.
const DefaultContentType = "application/octet-stream"

var (
	ErrDocumentIDRequired  = errors.New("document id is required")
	ErrFileNameRequired    = errors.New("file name is required")
	ErrStoragePathRequired = errors.New("storage path is required")
	ErrUploadedAtRequired  = errors.New("uploaded_at is required")
	ErrNegativeSize        = errors.New("size must not be negative")
	ErrEmptyFile           = errors.New("file is empty")
	ErrFileTooLarge        = errors.New("file exceeds the maximum allowed size")
)

// Document is a cataloged knowledge source.
// This is a pure domain model with no database-specific dependencies or tags.
// A Document exists only for files whose text was extracted successfully.
type Document struct {
	ID          string    `json:"id"`
	FileName    string    `json:"file_name"`
	StoragePath string    `json:"storage_path"`
	SizeBytes   int64     `json:"size_bytes"`
	ContentType string    `json:"content_type"`
	UploadedAt  time.Time `json:"uploaded_at"`
}

// Validate checks the required fields before the record reaches the catalog.
func (d *Document) Validate() error {
	switch {
	case d.ID == "":
		return ErrDocumentIDRequired
	case strings.TrimSpace(d.FileName) == "":
		return ErrFileNameRequired
	case d.StoragePath == "":
		return ErrStoragePathRequired
	case d.UploadedAt.IsZero():
		return ErrUploadedAtRequired
	case d.SizeBytes < 0:
		return ErrNegativeSize
	}
	if d.ContentType == "" {
		d.ContentType = DefaultContentType
	}
	return nil
}

// KnowledgeAggregate is the single consolidated text derived from every cataloged document.
// Version increases by one on each commit and guards concurrent writers.
type KnowledgeAggregate struct {
	Content       string    `json:"content"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
	Version       int64     `json:"version"`
}

// UploadInput is one file handed to the pipeline.
type UploadInput struct {
	FileName    string
	ContentType string
	Data        []byte
}

// Validate rejects inputs that can never be cataloged.
// maxBytes <= 0 disables the size check.
func (in UploadInput) Validate(maxBytes int64) error {
	if strings.TrimSpace(in.FileName) == "" {
		return ErrFileNameRequired
	}
	if len(in.Data) == 0 {
		return ErrEmptyFile
	}
	if maxBytes > 0 && int64(len(in.Data)) > maxBytes {
		return fmt.Errorf("%w (%d > %d bytes)", ErrFileTooLarge, len(in.Data), maxBytes)
	}
	return nil
}
