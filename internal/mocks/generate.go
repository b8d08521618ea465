// Package mocks provides gomock doubles for the engine's ports.
//
// To regenerate mocks after interface changes, run:
//
//	go generate ./internal/mocks
//
// Usage in tests:
//
//	ctrl := gomock.NewController(t)
//	runner := mocks.NewMockRunner(ctrl)
//	runner.EXPECT().Run(gomock.Any(), "/repo", "status", "--porcelain").Return(vcs.Result{}, nil)
package mocks

// Runner: rev-parse, status, worktree, diff and apply invocations.
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=runner_mock.go github.com/iambrandonn/gatekeep/internal/vcs Runner

// Delegate: the delegated coding task.
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=delegate_mock.go github.com/iambrandonn/gatekeep/internal/worktree Delegate

// Notifier: background job completion delivery.
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=notifier_mock.go github.com/iambrandonn/gatekeep/internal/jobqueue Notifier
