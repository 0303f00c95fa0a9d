//go:build tools

package tools

// Lint and vulnerability tooling run in CI:
//
//	go run github.com/golangci/golangci-lint/cmd/golangci-lint run ./...
//	go run golang.org/x/vuln/cmd/govulncheck ./...
import (
	_ "github.com/golangci/golangci-lint/cmd/golangci-lint"
	_ "golang.org/x/vuln/cmd/govulncheck"
)
