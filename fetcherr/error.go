package fetcherr

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind categorizes an error by how it propagates through the engine.
type Kind string

const (
	KindAuthentication    Kind = "authentication"
	KindExpiredCredential Kind = "expired_credential"
	KindProviderInference Kind = "provider_inference"
	KindWorkerTask        Kind = "worker_task"
	KindSerialization     Kind = "serialization"
	KindConfiguration     Kind = "configuration"
	KindCancelled         Kind = "cancelled"
)

// Sentinel errors, one per Kind. An *Error matches the sentinel of its Kind
// under errors.Is.
var (
	ErrAuthentication    = &Error{Kind: KindAuthentication}
	ErrExpiredCredential = &Error{Kind: KindExpiredCredential}
	ErrProviderInference = &Error{Kind: KindProviderInference}
	ErrWorkerTask        = &Error{Kind: KindWorkerTask}
	ErrSerialization     = &Error{Kind: KindSerialization}
	ErrConfiguration     = &Error{Kind: KindConfiguration}
	ErrCancelled         = &Error{Kind: KindCancelled}
)

// Error is a structured engine error.
type Error struct {
	// Op is the operation that failed (e.g. "credentials.GetCredentials").
	Op string

	// Kind categorizes the failure.
	Kind Kind

	// Provider is the credential provider involved, if any.
	Provider string

	// Item identifies the work item for KindWorkerTask errors.
	Item string

	// Message is a human-readable description.
	Message string

	// Err is the underlying cause.
	Err error
}

// New creates an Error with the given operation, kind and message.
func New(op string, kind Kind, message string) *Error {
	return &Error{Op: op, Kind: kind, Message: message}
}

// Wrap creates an Error around cause. A nil cause yields a nil error.
func Wrap(op string, kind Kind, cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{Op: op, Kind: kind, Err: cause}
}

// WithProvider returns e with Provider set, for chaining.
func (e *Error) WithProvider(provider string) *Error {
	e.Provider = provider
	return e
}

// WithItem returns e with Item set, for chaining.
func (e *Error) WithItem(item string) *Error {
	e.Item = item
	return e
}

// Error formats the error as "op (kind) [provider=p item=i]: message: cause".
func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(" ")
	}
	fmt.Fprintf(&b, "(%s)", e.Kind)

	var attrs []string
	if e.Provider != "" {
		attrs = append(attrs, "provider="+e.Provider)
	}
	if e.Item != "" {
		attrs = append(attrs, "item="+e.Item)
	}
	if len(attrs) > 0 {
		fmt.Fprintf(&b, " [%s]", strings.Join(attrs, " "))
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by Kind, and by Op when the target sets one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Op == "" || t.Op == e.Op
}

// KindOf returns the Kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsFatal reports whether err must abort an entire pipeline rather than a
// single item.
func IsFatal(err error) bool {
	switch KindOf(err) {
	case KindAuthentication, KindProviderInference, KindConfiguration:
		return true
	}
	return false
}

// Authentication wraps a failed credential fetch for provider.
func Authentication(op, provider string, cause error) *Error {
	return &Error{Op: op, Kind: KindAuthentication, Provider: provider, Err: cause}
}

// ProviderInference reports that url matched none of the known providers.
func ProviderInference(op, url string, known []string) *Error {
	sorted := append([]string(nil), known...)
	sort.Strings(sorted)
	msg := fmt.Sprintf("cannot infer provider for %q; known providers: %s", url, strings.Join(sorted, ", "))
	if len(sorted) == 0 {
		msg = fmt.Sprintf("cannot infer provider for %q; no providers are configured", url)
	}
	return &Error{Op: op, Kind: KindProviderInference, Message: msg}
}

// WorkerTask wraps the failure of a single item.
func WorkerTask(op, item string, cause error) *Error {
	return &Error{Op: op, Kind: KindWorkerTask, Item: item, Err: cause}
}

// Serialization reports a value that cannot cross a process boundary.
func Serialization(op, message string) *Error {
	return &Error{Op: op, Kind: KindSerialization, Message: message}
}

// FromRemote rebuilds an error reported by a remote worker from its kind
// and message. An unknown or empty kind becomes KindWorkerTask.
func FromRemote(op, kind, item, message string) *Error {
	k := Kind(kind)
	switch k {
	case KindAuthentication, KindExpiredCredential, KindProviderInference,
		KindWorkerTask, KindSerialization, KindConfiguration, KindCancelled:
	default:
		k = KindWorkerTask
	}
	return &Error{Op: op, Kind: k, Item: item, Message: message}
}
