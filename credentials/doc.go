// Package credentials fetches and caches provider-scoped temporary storage
// credentials.
//
// A Manager owns the only globally mutable state in the engine: a cache of
// one Credential per provider. Reads take a shared lock; misses and expired
// entries are refreshed through a singleflight group keyed by provider, so
// fifty goroutines asking for the same expired credential cause exactly one
// Authenticator round trip while fetches for unrelated providers proceed in
// parallel.
//
// A cached credential is never handed out once now + SafetyBuffer reaches its
// expiration. The default buffer is five minutes.
//
// Authentication failures are returned immediately as fetcherr
// KindAuthentication errors. The Manager never retries them.
//
// # Provider inference
//
// ProviderTable maps resource-name prefixes (S3 bucket prefixes, HTTPS hosts)
// to providers. ResolveProvider returns a KindProviderInference error that
// lists every known provider rather than guessing.
package credentials
