// Package memory keeps clients, tokens, codes, users and items in process
// memory.
//
// Every read checks expiry, so an expired entry is never returned even
// between sweeps. The background sweep only bounds memory use; NewWithInterval
// with a non-positive interval disables it.
//
// Snapshot and Restore copy the whole state in and out. The file backend
// builds on them to persist the store.
//
//	store := memory.New()
//	defer store.Close()
package memory
