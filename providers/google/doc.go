// Package google implements the Google OAuth 2.0 provider.
package google
