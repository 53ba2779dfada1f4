// Copyright contributors to the Virtual Machine Manager for Go project
//
// SPDX-License-Identifier: Apache-2.0
//

package job

import (
	"github.com/prometheus/client_golang/prometheus"
)

// queueDepth reports the number of callers admitted by admitLocked and
// still waiting for a slot in Begin or BeginAsync, across every
// domain's coordinator, the
// job-queue-depth counter named in SPEC_FULL's ambient metrics section.
// It is a single process-wide gauge rather than one per Coordinator
// since qemud hosts many domains and a per-VM label would make the
// metric unbounded-cardinality for no operational benefit.
var queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "qemud",
	Subsystem: "job",
	Name:      "queue_depth",
	Help:      "Number of callers currently queued waiting for a job slot across all domains.",
})

func init() {
	prometheus.MustRegister(queueDepth)
}
