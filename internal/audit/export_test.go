// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cassandra Audit Contributors

package audit

import "github.com/prometheus/client_golang/prometheus/testutil"

// FailureCount returns audit_failures_total for reason.
func FailureCount(reason string) float64 {
	return testutil.ToFloat64(failuresTotal.WithLabelValues(reason))
}
