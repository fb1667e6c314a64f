// Package aggregate builds the consolidated knowledge text read by the
// question-answering side. Everything here is a pure function of its input.
package aggregate

import (
	"fmt"
	"sort"
	"strings"

	"kbapi/internal/model"
)

// SortDocuments orders documents the way the catalog lists them:
// uploaded_at ascending, then id ascending.
func SortDocuments(docs []model.Document) {
	sort.SliceStable(docs, func(i, j int) bool {
		a, b := docs[i], docs[j]
		if !a.UploadedAt.Equal(b.UploadedAt) {
			return a.UploadedAt.Before(b.UploadedAt)
		}
		return a.ID < b.ID
	})
}

// Section renders one document's contribution.
func Section(fileName, text string) string {
	return fmt.Sprintf("\n\n--- Content from %s ---\n\n%s", fileName, text)
}

// Result is a built aggregate together with what went into it.
type Result struct {
	Content  string
	Included []string
	Skipped  []string
}

// Build concatenates the text of every document in docs, in the given order.
// Documents without an entry in texts are skipped and reported in Skipped.
// An empty document list yields an empty content string.
func Build(docs []model.Document, texts map[string]string) Result {
	var (
		sb  strings.Builder
		res Result
	)
	for _, d := range docs {
		text, ok := texts[d.ID]
		if !ok {
			res.Skipped = append(res.Skipped, d.ID)
			continue
		}
		sb.WriteString(Section(d.FileName, text))
		res.Included = append(res.Included, d.ID)
	}
	res.Content = sb.String()
	return res
}
