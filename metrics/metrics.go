// Package metrics holds the prometheus collectors shared by the resolver and
// the responder.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "netroot"

var (
	// StageTotal counts resolver stage runs by stage and result.
	StageTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "resolve_stage_total",
		Help:      "Number of boot parameter resolution stages run, by stage and result.",
	}, []string{"stage", "result"})

	// MalformedRootPathTotal counts root paths carrying an unusable address.
	MalformedRootPathTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "malformed_root_path_total",
		Help:      "Number of root paths parsed with a malformed server address.",
	})

	// RepliesTotal counts DHCP replies sent by the responder by message type.
	RepliesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "responder_replies_total",
		Help:      "Number of DHCP replies sent by the root path responder, by message type.",
	}, []string{"type"})

	// NoRecordTotal counts requests from clients without a backend record.
	NoRecordTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "responder_no_record_total",
		Help:      "Number of DHCP requests dropped because the backend had no record for the client.",
	})
)

const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultSkipped = "skipped"
)
