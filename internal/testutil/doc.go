// Package testutil provides fixtures, a controllable clock and small helpers
// shared by the package tests.
package testutil
