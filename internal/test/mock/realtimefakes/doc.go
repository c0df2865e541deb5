// Package realtimefakes provides in-memory doubles used by realtime service
// tests.
//
// Store captures enough EntityStore behavior for coordinator and admin tests
// without sqlite, and lets tests inject per-method failures.
package realtimefakes
