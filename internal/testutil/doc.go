// Package testutil provides fixtures and a controllable clock for the
// mcp-oauth tests.
package testutil
