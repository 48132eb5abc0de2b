// Package cache defines the content-addressed media store that maps a URL key
// onto StoragePath/<key><ext> files. Writes go through a temp file + rename and
// are indexed only after the file is complete, so readers either see a full
// entry or nothing. The store also owns size accounting, the persisted index
// snapshot (index.json) and the reconciliation pass that realigns the index
// with whatever is actually on disk. The fetch coordinator is the only writer;
// the media service reads through it.
package cache
