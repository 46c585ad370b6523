// Package diff computes structural change sets between two document
// snapshots. Sections and subsections are matched by their stable
// identifiers, never by position, so a reordered document with identical
// entities diffs as unchanged. The package is pure: it never touches
// repository storage.
package diff

import (
	"encoding/json"
	"fmt"

	"eaip/engine/internal/document"
)

type Action string

const (
	ActionAdded    Action = "added"
	ActionDeleted  Action = "deleted"
	ActionModified Action = "modified"
)

type Kind string

const (
	KindTitle      Kind = "title"
	KindSection    Kind = "section"
	KindSubsection Kind = "subsection"
)

// Entry is one structural change. Old and New retain the affected payloads
// so a viewer can render both sides without re-reading the snapshots.
type Entry struct {
	Kind           Kind            `json:"kind"`
	Action         Action          `json:"action"`
	Path           string          `json:"path"`
	SectionID      string          `json:"sectionId,omitempty"`
	SectionType    string          `json:"sectionType,omitempty"`
	SubsectionCode string          `json:"subsectionCode,omitempty"`
	Old            json.RawMessage `json:"old,omitempty"`
	New            json.RawMessage `json:"new,omitempty"`
	Description    string          `json:"description"`
}

type ChangeSet struct {
	Entries        []Entry `json:"entries"`
	TotalAdditions int     `json:"totalAdditions"`
	TotalDeletions int     `json:"totalDeletions"`
}

// Empty reports whether the change set contains no entries.
func (c ChangeSet) Empty() bool {
	return len(c.Entries) == 0
}

// Compute diffs two snapshots. Output order is stable with respect to the
// input order of sections and subsections: deletions follow the old
// snapshot's order, additions and modifications follow the new snapshot's.
func Compute(old, new document.Snapshot) ChangeSet {
	var entries []Entry

	if old.Title != new.Title {
		entries = append(entries, Entry{
			Kind:        KindTitle,
			Action:      ActionModified,
			Path:        "title",
			Old:         marshalValue(old.Title),
			New:         marshalValue(new.Title),
			Description: fmt.Sprintf("Title changed from %q to %q", old.Title, new.Title),
		})
	}

	oldByID := make(map[string]document.Section, len(old.Sections))
	for _, sec := range old.Sections {
		oldByID[sec.ID] = sec
	}
	newByID := make(map[string]document.Section, len(new.Sections))
	for _, sec := range new.Sections {
		newByID[sec.ID] = sec
	}

	for _, sec := range old.Sections {
		if _, ok := newByID[sec.ID]; !ok {
			entries = append(entries, sectionEntry(ActionDeleted, sec, sec, nil))
			for _, sub := range sec.Subsections {
				entries = append(entries, subsectionEntry(ActionDeleted, sec, sub, sub, nil))
			}
		}
	}

	for _, sec := range new.Sections {
		oldSec, ok := oldByID[sec.ID]
		if !ok {
			entries = append(entries, sectionEntry(ActionAdded, sec, document.Section{}, &sec))
			for _, sub := range sec.Subsections {
				entries = append(entries, subsectionEntry(ActionAdded, sec, document.Subsection{}, sub, &sub))
			}
			continue
		}
		if oldSec.Title != sec.Title || oldSec.Type != sec.Type {
			entries = append(entries, Entry{
				Kind:        KindSection,
				Action:      ActionModified,
				Path:        fmt.Sprintf("sections.%s", sec.Type),
				SectionID:   sec.ID,
				SectionType: sec.Type,
				Old:         marshalValue(oldSec.Title),
				New:         marshalValue(sec.Title),
				Description: fmt.Sprintf("Section %s title changed from %q to %q", sec.Type, oldSec.Title, sec.Title),
			})
		}
		entries = append(entries, diffSubsections(oldSec, sec)...)
	}

	return summarize(entries)
}

func diffSubsections(oldSec, newSec document.Section) []Entry {
	var entries []Entry

	oldByCode := make(map[string]document.Subsection, len(oldSec.Subsections))
	for _, sub := range oldSec.Subsections {
		oldByCode[sub.Code] = sub
	}
	newByCode := make(map[string]document.Subsection, len(newSec.Subsections))
	for _, sub := range newSec.Subsections {
		newByCode[sub.Code] = sub
	}

	for _, sub := range oldSec.Subsections {
		if _, ok := newByCode[sub.Code]; !ok {
			entries = append(entries, subsectionEntry(ActionDeleted, oldSec, sub, sub, nil))
		}
	}

	for _, sub := range newSec.Subsections {
		oldSub, ok := oldByCode[sub.Code]
		if !ok {
			entries = append(entries, subsectionEntry(ActionAdded, newSec, document.Subsection{}, sub, &sub))
			continue
		}
		if oldSub.Title != sub.Title || !document.ContentEqual(oldSub.Content, sub.Content) {
			entries = append(entries, Entry{
				Kind:           KindSubsection,
				Action:         ActionModified,
				Path:           fmt.Sprintf("sections.%s.subsections.%s", newSec.Type, sub.Code),
				SectionID:      newSec.ID,
				SectionType:    newSec.Type,
				SubsectionCode: sub.Code,
				Old:            marshalValue(oldSub),
				New:            marshalValue(sub),
				Description:    fmt.Sprintf("Subsection %s %q was modified", sub.Code, sub.Title),
			})
		}
	}

	return entries
}

func sectionEntry(action Action, sec document.Section, old document.Section, new *document.Section) Entry {
	entry := Entry{
		Kind:        KindSection,
		Action:      action,
		Path:        fmt.Sprintf("sections.%s", sec.Type),
		SectionID:   sec.ID,
		SectionType: sec.Type,
	}
	switch action {
	case ActionAdded:
		entry.New = marshalValue(*new)
		entry.Description = fmt.Sprintf("Section %s %q was added", sec.Type, sec.Title)
	case ActionDeleted:
		entry.Old = marshalValue(old)
		entry.Description = fmt.Sprintf("Section %s %q was removed", old.Type, old.Title)
	}
	return entry
}

func subsectionEntry(action Action, sec document.Section, old document.Subsection, sub document.Subsection, new *document.Subsection) Entry {
	entry := Entry{
		Kind:           KindSubsection,
		Action:         action,
		Path:           fmt.Sprintf("sections.%s.subsections.%s", sec.Type, sub.Code),
		SectionID:      sec.ID,
		SectionType:    sec.Type,
		SubsectionCode: sub.Code,
	}
	switch action {
	case ActionAdded:
		entry.New = marshalValue(*new)
		entry.Description = fmt.Sprintf("Subsection %s %q was added", sub.Code, sub.Title)
	case ActionDeleted:
		entry.Old = marshalValue(old)
		entry.Description = fmt.Sprintf("Subsection %s %q was removed", old.Code, old.Title)
	}
	return entry
}

func summarize(entries []Entry) ChangeSet {
	set := ChangeSet{Entries: entries}
	for _, entry := range entries {
		switch entry.Action {
		case ActionAdded:
			set.TotalAdditions++
		case ActionDeleted:
			set.TotalDeletions++
		case ActionModified:
			// One old version removed, one new version introduced.
			set.TotalAdditions++
			set.TotalDeletions++
		}
	}
	return set
}

func marshalValue(v any) json.RawMessage {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return payload
}
