// Package storage defines the session and credential store used by the
// authorization server and the bearer token middleware.
//
// The Store interface is implemented identically by three backends:
//   - storage/memory: process-local maps for single-process, disposable deployments
//   - storage/file: a single AES-256-GCM encrypted file for single-node deployments
//   - storage/valkey: Valkey/Redis-compatible store shared by multiple instances
//
// Every backend returns ErrNotFound for absent keys and for ephemeral items whose
// TTL has elapsed. ConsumeAuthCode is the atomic get-and-delete primitive that
// makes authorization codes single-use under concurrent token requests.
//
// The storage/storagetest package holds the contract tests run against each backend.
package storage
