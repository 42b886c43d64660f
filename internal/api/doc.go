// Package api exposes the guard over HTTP: planning, plan execution with an
// SSE event stream per run, cancellation, run history and the tool catalog.
//
// POST /v1/execute-plan carries a single confirmation (confirmed,
// confirmationText and confirmationScope) for the whole run. The scope must
// equal the confirmationScope of each step that requires confirmation, so a
// plan mixing confirmation-gated steps with different scopes halts with
// confirmation_required at the first step whose scope differs. Callers that
// need several scopes submit one run per scope.
//
// A full dispatch queue is reported immediately as 503 with
// RUN_DISPATCH_FAILED; the run is not created and the request can be retried.
package api
