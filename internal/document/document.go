// Package document defines the snapshot model that the versioning engine
// stores and compares. Subsection content is an opaque rich-content payload
// supplied by the editor subsystem; it is never interpreted here.
package document

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path"
	"time"
)

type Subsection struct {
	ID      string          `json:"id"`
	Code    string          `json:"code"`
	Title   string          `json:"title"`
	Content json.RawMessage `json:"content,omitempty"`
}

type Section struct {
	ID          string       `json:"id"`
	Type        string       `json:"type"`
	Title       string       `json:"title"`
	Subsections []Subsection `json:"subsections"`
}

type Snapshot struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Country       string    `json:"country,omitempty"`
	Airport       string    `json:"airport,omitempty"`
	Status        string    `json:"status"`
	AiracCycle    string    `json:"airacCycle"`
	EffectiveDate time.Time `json:"effectiveDate"`
	Sections      []Section `json:"sections"`
}

// Metadata is the sidecar written next to every document file so the
// repository stays inspectable without parsing full snapshots.
type Metadata struct {
	DocumentID    string    `json:"documentId"`
	Title         string    `json:"title"`
	Country       string    `json:"country,omitempty"`
	Airport       string    `json:"airport,omitempty"`
	Status        string    `json:"status"`
	AiracCycle    string    `json:"airacCycle"`
	EffectiveDate time.Time `json:"effectiveDate"`
	LastModified  time.Time `json:"lastModified"`
	ModifiedBy    string    `json:"modifiedBy"`
}

// FilePath returns the repository path of a document's canonical file.
func FilePath(docID string) string {
	return path.Join("documents", docID+".json")
}

// MetaPath returns the repository path of a document's metadata sidecar.
func MetaPath(docID string) string {
	return path.Join("metadata", docID+".meta.json")
}

// Canonical serializes a snapshot to its on-disk representation. The same
// snapshot always yields the same bytes, so tip comparison can be done with
// bytes.Equal.
func Canonical(s Snapshot) ([]byte, error) {
	payload, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot %s: %w", s.ID, err)
	}
	return append(payload, '\n'), nil
}

// Decode parses canonical snapshot bytes.
func Decode(data []byte) (Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return s, nil
}

// SidecarFor builds the metadata sidecar recorded alongside a snapshot.
func SidecarFor(s Snapshot, actor string, now time.Time) Metadata {
	return Metadata{
		DocumentID:    s.ID,
		Title:         s.Title,
		Country:       s.Country,
		Airport:       s.Airport,
		Status:        s.Status,
		AiracCycle:    s.AiracCycle,
		EffectiveDate: s.EffectiveDate,
		LastModified:  now.UTC(),
		ModifiedBy:    actor,
	}
}

// EncodeMetadata serializes the sidecar in the same canonical form as
// snapshots.
func EncodeMetadata(m Metadata) ([]byte, error) {
	payload, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal metadata %s: %w", m.DocumentID, err)
	}
	return append(payload, '\n'), nil
}

// ContentEqual reports whether two opaque content payloads are equal. The
// payload is never parsed here: equality is exact byte equality, so any
// byte the editor changes registers as an edit.
func ContentEqual(a, b json.RawMessage) bool {
	return bytes.Equal(a, b)
}
