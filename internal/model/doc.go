// Package model provides the record types shared by the Winklet engine,
// its storage collaborator and its push collaborators.
//
// This package contains type definitions and small pure helpers only. All
// other internal packages import model; model imports nothing internal.
//
// Key design constraints:
//   - Records are immutable once persisted; ids are server-assigned
//   - All JSON tags use snake_case and match the storage column names
//   - Timestamps are UTC; createdAt is the authoritative ordering key
//   - Message ordering ties on createdAt are broken by id (byte order)
package model
