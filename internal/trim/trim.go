// Package trim implements the metadata trimming transform: a pure,
// allocation-light function from a full registry metadata document to its
// trimmed form. It performs no I/O.
package trim

import "github.com/Utopian-Contributors/upm-registry/internal/document"

// Document reduces a full metadata document to its trimmed form (spec.md
// §4.1, §3). If data does not look like package metadata (no top-level
// "versions"/"dist-tags" objects), it is returned unchanged — the caller is
// expected to cache it verbatim.
//
// Document never fails on missing optional fields (it fails only when data
// is not a JSON object), and it is idempotent: trimming an already-trimmed
// document returns an identical document.
func Document(data []byte) ([]byte, error) {
	doc, err := document.Parse(data)
	if err != nil {
		return nil, err
	}
	return doc.Trim()
}
