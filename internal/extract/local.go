package extract

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"
)

var errInvalidUTF8 = errors.New("text is not valid utf-8")

// Local extracts text in-process. It understands plain text, PDF, DOCX and XLSX.
type Local struct{}

var _ Extractor = Local{}

// NewLocal returns the in-process extractor.
func NewLocal() Local { return Local{} }

// ExtractText dispatches on the MIME type. Parsing is CPU bound and does not
// observe ctx; callers bound it with a Pool.
func (Local) ExtractText(_ context.Context, data []byte, contentType string) (string, error) {
	var (
		text string
		err  error
	)
	mime := normalize(contentType)
	switch {
	case strings.HasPrefix(mime, "text/"):
		text, err = extractPlain(data)
	case mime == mimePDF:
		text, err = extractPDF(data)
	case mime == mimeDOCX:
		text, err = extractDOCX(data)
	case mime == mimeXLSX:
		text, err = extractXLSX(data)
	default:
		return "", newError(ErrUnsupportedFormat, nil)
	}
	if err != nil {
		return "", newError(ErrMalformed, err)
	}
	if strings.TrimSpace(text) == "" {
		return "", newError(ErrEmpty, nil)
	}
	return text, nil
}

func extractPlain(data []byte) (string, error) {
	if !utf8.Valid(data) {
		return "", errInvalidUTF8
	}
	return strings.TrimSpace(string(data)), nil
}
