// Package stores persists the task history archive in SQLite. The in-memory
// registry stays authoritative for live state; the archive is write-through
// so history survives a restart and can be queried after tasks leave memory.
package stores
