// Package metrics contains all application-logic metrics
package metrics

import (
	"fmt"

	"github.com/VictoriaMetrics/metrics"
)

var (
	feeRejected         = metrics.NewCounter("relay_fee_rejected_total")
	relayerOutOfGas     = metrics.NewCounter("relay_out_of_gas_total")
	relaySubmitFailed   = metrics.NewCounter("relay_submit_failed_total")
	relayTxSubmitted    = metrics.NewCounter("relay_tx_submitted_total")
	relayDuplicate      = metrics.NewCounter("relay_duplicate_total")
	pendingResolved     = metrics.NewCounter("pending_tx_resolved_total")
	pendingTerminated   = metrics.NewCounter("pending_tx_terminated_total")
	priceRefreshFailure = metrics.NewCounter("price_refresh_failure_total")
)

func IncFeeAccepted(kind string) {
	l := fmt.Sprintf(`relay_fee_accepted_total{kind="%s"}`, kind)
	metrics.GetOrCreateCounter(l).Inc()
}

func IncFeeRejected() {
	feeRejected.Inc()
}

func IncRelayerOutOfGas() {
	relayerOutOfGas.Inc()
}

func IncRelaySubmitFailed() {
	relaySubmitFailed.Inc()
}

func IncRelayTxSubmitted() {
	relayTxSubmitted.Inc()
}

func IncRelayDuplicate() {
	relayDuplicate.Inc()
}

func IncPendingResolved() {
	pendingResolved.Inc()
}

func IncPendingTerminated() {
	pendingTerminated.Inc()
}

func IncPriceRefreshFailure() {
	priceRefreshFailure.Inc()
}

func IncFeesPublished(chain string) {
	l := fmt.Sprintf(`relay_fees_published_total{chain="%s"}`, chain)
	metrics.GetOrCreateCounter(l).Inc()
}

func RecordRPCCallDuration(method string, milliseconds int64) {
	l := fmt.Sprintf(`rpc_call_duration_milliseconds{method="%s"}`, method)
	metrics.GetOrCreateSummary(l).Update(float64(milliseconds))
}

func IncRPCCallFailure(method string) {
	l := fmt.Sprintf(`rpc_call_failure_total{method="%s"}`, method)
	metrics.GetOrCreateCounter(l).Inc()
}
