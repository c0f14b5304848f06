// Package fingerprint recognizes "the same event" across two independently
// edited stores by content identity, without relying on a shared id.
package fingerprint

import (
	"strings"

	"schedsync/internal/model"
)

// Fingerprint is the normalized content key of a plain event. Title and
// location are trimmed and lower-cased; dates and time strings are taken
// verbatim. Two events carry the same content iff their fingerprints are
// equal. The struct is comparable on purpose so it can key a map.
type Fingerprint struct {
	Title     string
	Location  string
	StartDate string
	EndDate   string
	StartTime string
	EndTime   string
}

// Of computes the fingerprint of an event. It is only meaningful for
// KindPlain events; callers filter beforehand.
func Of(e model.Event) Fingerprint {
	return Fingerprint{
		Title:     strings.ToLower(strings.TrimSpace(e.Title)),
		Location:  strings.ToLower(strings.TrimSpace(e.Location)),
		StartDate: e.StartDate,
		EndDate:   e.EndDate,
		StartTime: e.StartTime,
		EndTime:   e.EndTime,
	}
}

// ArchiveChange asks the caller to flip the archive status of an existing
// event that matched an import candidate with the opposite status.
type ArchiveChange struct {
	Event    model.Event
	Archived bool
}

// ReconcileResult is the outcome of a content-keyed import merge.
type ReconcileResult struct {
	ToAdd          []model.Event
	ToSkip         []model.Event
	ArchiveChanges []ArchiveChange
}

// ReconcileImport merges an import batch against the existing active and
// archived events by fingerprint.
//
// The batch is authoritative for archival status (when preserveArchiveStatus
// is set) but never for identity: a candidate whose content already exists is
// always skipped, never overwritten. Index collisions inside existing events
// resolve last-write-wins, matching insertion order.
func ReconcileImport(batch, active, archived []model.Event, preserveArchiveStatus bool) ReconcileResult {
	activeIdx := index(active)
	archivedIdx := index(archived)

	var res ReconcileResult
	for _, cand := range batch {
		if cand.Kind != model.KindPlain {
			continue
		}
		fp := Of(cand)

		if match, ok := activeIdx[fp]; ok {
			if preserveArchiveStatus && cand.Archived() {
				res.ArchiveChanges = append(res.ArchiveChanges, ArchiveChange{Event: match, Archived: true})
			}
			res.ToSkip = append(res.ToSkip, cand)
			continue
		}
		if match, ok := archivedIdx[fp]; ok {
			if preserveArchiveStatus && !cand.Archived() {
				res.ArchiveChanges = append(res.ArchiveChanges, ArchiveChange{Event: match, Archived: false})
			}
			res.ToSkip = append(res.ToSkip, cand)
			continue
		}
		res.ToAdd = append(res.ToAdd, cand)
	}
	return res
}

// IsDuplicateOf reports whether candidate's content equals any plain event
// in existing. Reverse sync runs this against the union of active and
// archived events so it never resurrects content the user archived.
func IsDuplicateOf(candidate model.Event, existing []model.Event) bool {
	fp := Of(candidate)
	for _, e := range existing {
		if e.Kind != model.KindPlain {
			continue
		}
		if Of(e) == fp {
			return true
		}
	}
	return false
}

func index(events []model.Event) map[Fingerprint]model.Event {
	idx := make(map[Fingerprint]model.Event, len(events))
	for _, e := range events {
		if e.Kind != model.KindPlain {
			continue
		}
		idx[Of(e)] = e
	}
	return idx
}
