// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cassandra Audit Contributors

package audit

import (
	"errors"
	"fmt"

	"github.com/samber/oops"
)

// Sentinel errors for errors.Is.
var (
	// ErrInit reports that an audit table could not be created or its insert
	// statement could not be prepared.
	ErrInit = errors.New("audit initialization failed")
	// ErrDispatch reports that an audit event could not be handed to or run
	// on the dispatch pool.
	ErrDispatch = errors.New("audit dispatch failed")
)

// Error codes attached to audit errors.
const (
	CodeInitFailed     = "AUDIT_INIT_FAILED"
	CodeDispatchFailed = "AUDIT_DISPATCH_FAILED"
	CodeReservedColumn = "AUDIT_RESERVED_COLUMN"
)

func initError(target Target, err error) error {
	return oops.Code(CodeInitFailed).
		With("keyspace", target.Keyspace).
		With("table", target.Table).
		Wrap(fmt.Errorf("%w: %w", ErrInit, err))
}

func dispatchError(reason string, err error) error {
	if err == nil {
		return oops.Code(CodeDispatchFailed).With("reason", reason).Wrap(ErrDispatch)
	}
	return oops.Code(CodeDispatchFailed).With("reason", reason).Wrap(fmt.Errorf("%w: %w", ErrDispatch, err))
}
