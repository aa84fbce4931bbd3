// Package state provides filesystem-backed storage for daemon-local data.
// Files are written atomically through a temp file and rename.
package state
