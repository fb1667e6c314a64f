// Package extract turns raw document bytes into plain text.
package extract

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"strings"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported document format")
	ErrMalformed         = errors.New("malformed document")
	ErrEmpty             = errors.New("no extractable text")
	ErrTimeout           = errors.New("extraction timed out")
)

const (
	mimePDF  = "application/pdf"
	mimeDOCX = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	mimeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// Extractor converts document bytes to plain text.
// Failures are reported as *Error.
type Extractor interface {
	ExtractText(ctx context.Context, data []byte, contentType string) (string, error)
}

// Func adapts a plain function to Extractor.
type Func func(ctx context.Context, data []byte, contentType string) (string, error)

func (f Func) ExtractText(ctx context.Context, data []byte, contentType string) (string, error) {
	return f(ctx, data, contentType)
}

// Error is an extraction failure. Kind is one of the package sentinels.
type Error struct {
	Kind error
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "extract: " + e.Kind.Error()
	}
	return "extract: " + e.Kind.Error() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// IsExtractionError reports whether err came from an extractor rather than infrastructure.
func IsExtractionError(err error) bool {
	var e *Error
	return errors.As(err, &e)
}

var extensionTypes = map[string]string{
	".pdf":  mimePDF,
	".docx": mimeDOCX,
	".xlsx": mimeXLSX,
	".txt":  "text/plain",
	".md":   "text/markdown",
	".csv":  "text/csv",
	".html": "text/html",
	".htm":  "text/html",
}

// DetectContentType picks the MIME type used for extraction. A specific declared
// type wins; generic or missing types fall back to the file extension and then
// to content sniffing.
func DetectContentType(fileName, declared string, data []byte) string {
	mime := normalize(declared)
	if mime != "" && mime != "application/octet-stream" {
		return mime
	}
	if t, ok := extensionTypes[strings.ToLower(filepath.Ext(fileName))]; ok {
		return t
	}
	if len(data) > 0 {
		return normalize(http.DetectContentType(data))
	}
	return "application/octet-stream"
}

func normalize(contentType string) string {
	mime := strings.SplitN(contentType, ";", 2)[0]
	return strings.TrimSpace(strings.ToLower(mime))
}
