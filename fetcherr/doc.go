// Package fetcherr provides the structured error taxonomy shared by every
// layer of the granule engine.
//
// # Kinds
//
// Each error carries a Kind that tells the caller how it propagates:
//
//   - KindAuthentication: a credential fetch failed. Never retried internally,
//     fatal to the requesting call and to any pipeline depending on it.
//   - KindExpiredCredential: a cached credential crossed its safety buffer.
//     Handled by a transparent refresh; callers only ever see it in logs.
//   - KindProviderInference: the owning provider of a resource could not be
//     determined. The message lists every known provider.
//   - KindWorkerTask: a single item failed. Isolated to that item unless the
//     stream runs in fail-fast mode.
//   - KindSerialization: a value bound for a remote backend cannot be
//     transmitted. Raised before submission.
//   - KindConfiguration and KindCancelled cover invalid options and
//     abandoned pipelines.
//
// # Matching
//
// Sentinel errors exist for every kind so callers can match with errors.Is
// without caring about the operation that produced the error:
//
//	if errors.Is(err, fetcherr.ErrAuthentication) {
//	    // re-login
//	}
package fetcherr
