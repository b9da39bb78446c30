package dirtypatch

// JournalEntry holds the bytes a request is about to replace.
type JournalEntry struct {
	Path     string
	Offset   int64
	Original []byte
	Region   Region

	// Attempted is set once an overwrite of this region has been issued,
	// whether or not it succeeded.
	Attempted bool
}

// Journal records original bytes in plan order.
type Journal struct {
	entries []JournalEntry
}

func (j *Journal) record(r PlannedRequest, original []byte) {
	j.entries = append(j.entries, JournalEntry{
		Path:     r.Path,
		Offset:   r.Offset,
		Original: original,
		Region:   r.Region,
	})
}

func (j *Journal) markAttempted(i int) {
	j.entries[i].Attempted = true
}

// Len returns the number of recorded entries.
func (j *Journal) Len() int {
	return len(j.entries)
}

// Entry returns the i-th recorded entry.
func (j *Journal) Entry(i int) JournalEntry {
	return j.entries[i]
}

// Inverse returns the requests that undo every attempted overwrite, last
// applied first. Regions never attempted are left out.
func (j *Journal) Inverse() []PlannedRequest {
	var undo []PlannedRequest
	for i := len(j.entries) - 1; i >= 0; i-- {
		e := j.entries[i]
		if !e.Attempted {
			continue
		}
		undo = append(undo, PlannedRequest{
			OverwriteRequest: OverwriteRequest{Path: e.Path, Offset: e.Offset, Data: e.Original},
			Region:           e.Region,
		})
	}
	return undo
}

func (j *Journal) anyAttempted() bool {
	for _, e := range j.entries {
		if e.Attempted {
			return true
		}
	}
	return false
}

func (j *Journal) reset() {
	j.entries = nil
}
