// Package e2e drives the whole poll loop against a fake agent CLI: probe,
// extraction, dispatch, execution and status reconciliation, with the
// history ledger and the gateway observing the runs.
//
// Run with: go test -v -count=1 ./e2e/...
//
// Skip in short mode: go test -short ./...
package e2e
