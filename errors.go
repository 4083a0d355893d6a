package granule

import "github.com/zero-day-ai/granule/fetcherr"

// Sentinel errors for matching with errors.Is. Every error returned by this
// module carries one of these kinds.
var (
	// ErrAuthentication indicates a provider rejected the login or the
	// credential request.
	ErrAuthentication = fetcherr.ErrAuthentication

	// ErrExpiredCredential indicates a remote worker received an
	// AuthContext that had already expired.
	ErrExpiredCredential = fetcherr.ErrExpiredCredential

	// ErrProviderInference indicates no provider could be derived for a
	// cloud-hosted resource.
	ErrProviderInference = fetcherr.ErrProviderInference

	// ErrWorkerTask indicates a handler failed on one item.
	ErrWorkerTask = fetcherr.ErrWorkerTask

	// ErrSerialization indicates a task input or output could not cross a
	// process boundary.
	ErrSerialization = fetcherr.ErrSerialization

	ErrConfiguration = fetcherr.ErrConfiguration
	ErrCancelled     = fetcherr.ErrCancelled
)

// IsFatal reports whether err stops a whole stream rather than one item.
func IsFatal(err error) bool {
	return fetcherr.IsFatal(err)
}
