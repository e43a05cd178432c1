// Package github implements the GitHub OAuth App provider.
//
// GitHub access tokens do not expire and the user endpoint may omit the email
// address, in which case the primary verified address is read from
// /user/emails. Login can be restricted to members of given organizations.
package github
