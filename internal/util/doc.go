// Package util provides small helpers shared by the mcp-oauth packages.
//
// Key utilities:
//   - SafeTruncate: prefix of a secret for log output
//   - NormalizeURL: issuer and resource comparison without trailing slashes
//   - ParseScope, JoinScope, UnionScopes, ScopesSubset: space-delimited scope handling
package util
