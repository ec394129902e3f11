// Package storage persists process state to local files.
//
// Every snapshot is written to "<path>.tmp", synced and renamed over the canonical
// path, so other processes reading the file never observe a partial document. A file
// that cannot be decoded on load is moved aside to "<path>.corrupt-<timestamp>" and
// the caller starts from an empty value.
//
// Files:
//   - state.json         the aggregate document of record
//   - dupwindow.json     duplicate-notification window (restored on startup)
//   - notifications.jsonl append-only notification history
package storage
