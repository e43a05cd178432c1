// Package util holds small helpers shared across packages that do not belong to
// a particular domain.
package util
