// Package authctx provides AuthContext, the immutable snapshot of
// authentication state that is handed to every worker.
//
// An AuthContext holds only plain data: an optional credential, the header
// and cookie template of an authenticated session, the provider it belongs
// to, and when it was taken. It carries no connections, locks or file
// handles, so it can be shared by reference between goroutines and shipped
// to remote workers through ToPrimitive and FromPrimitive.
//
// AuthContexts are never mutated. A refresh produces a new value with a new
// ID; workers compare IDs to decide whether their live resources are stale.
package authctx

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"

	"github.com/zero-day-ai/granule/credentials"
	"github.com/zero-day-ai/granule/fetcherr"
)

// AuthContext is a serializable snapshot of authentication state.
type AuthContext struct {
	ID         string                  `mapstructure:"id"`
	Provider   string                  `mapstructure:"provider"`
	Credential *credentials.Credential `mapstructure:"credential"`
	Session    credentials.Session     `mapstructure:"session"`
	CreatedAt  time.Time               `mapstructure:"created_at"`
}

// FromSession snapshots a credential and session template. Maps and slices
// are copied so later changes to the live session do not leak in.
func FromSession(provider string, cred *credentials.Credential, session credentials.Session) AuthContext {
	ac := AuthContext{
		ID:        uuid.NewString(),
		Provider:  provider,
		Session:   session.Clone(),
		CreatedAt: time.Now().UTC(),
	}
	if cred != nil {
		c := *cred
		ac.Credential = &c
	}
	return ac
}

// Anonymous returns an AuthContext with no credential and no session, for
// public and local data.
func Anonymous() AuthContext {
	return AuthContext{ID: uuid.NewString(), CreatedAt: time.Now().UTC()}
}

// IsValid reports whether every embedded credential is still usable at now
// given buffer. A context without a credential is always valid.
func (a AuthContext) IsValid(now time.Time, buffer time.Duration) bool {
	if a.Credential == nil {
		return true
	}
	return !a.Credential.ExpiresWithin(now, buffer)
}

// HasCredential reports whether a storage credential is attached.
func (a AuthContext) HasCredential() bool {
	return a.Credential != nil && !a.Credential.IsZero()
}

// ToPrimitive returns a representation built only from strings, numbers,
// maps and slices. Timestamps are encoded as RFC3339 strings.
func (a AuthContext) ToPrimitive() map[string]any {
	out := map[string]any{
		"id":         a.ID,
		"provider":   a.Provider,
		"created_at": a.CreatedAt.UTC().Format(time.RFC3339Nano),
	}

	if a.Credential != nil {
		c := a.Credential
		out["credential"] = map[string]any{
			"access_key_id":     c.AccessKeyID,
			"secret_access_key": c.SecretAccessKey,
			"session_token":     c.SessionToken,
			"region":            c.Region,
			"expiration":        c.Expiration.UTC().Format(time.RFC3339Nano),
			"provider":          c.Provider,
		}
	}

	session := map[string]any{}
	if len(a.Session.Headers) > 0 {
		headers := make(map[string]any, len(a.Session.Headers))
		for k, v := range a.Session.Headers {
			headers[k] = v
		}
		session["headers"] = headers
	}
	if len(a.Session.Cookies) > 0 {
		cookies := make([]any, 0, len(a.Session.Cookies))
		for _, c := range a.Session.Cookies {
			cookies = append(cookies, map[string]any{
				"name":   c.Name,
				"value":  c.Value,
				"domain": c.Domain,
				"path":   c.Path,
			})
		}
		session["cookies"] = cookies
	}
	out["session"] = session

	return out
}

// FromPrimitive rebuilds an AuthContext from the output of ToPrimitive. It
// also accepts the same map after a JSON round trip.
func FromPrimitive(m map[string]any) (AuthContext, error) {
	const op = "authctx.FromPrimitive"

	if m == nil {
		return AuthContext{}, fetcherr.Serialization(op, "auth context is nil")
	}

	var ac AuthContext
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:  mapstructure.StringToTimeHookFunc(time.RFC3339Nano),
		ErrorUnused: true,
		Result:      &ac,
	})
	if err != nil {
		return AuthContext{}, fetcherr.Wrap(op, fetcherr.KindSerialization, err)
	}
	if err := dec.Decode(m); err != nil {
		return AuthContext{}, fetcherr.Wrap(op, fetcherr.KindSerialization, fmt.Errorf("decode auth context: %w", err))
	}
	if ac.ID == "" {
		return AuthContext{}, fetcherr.Serialization(op, "auth context has no id")
	}
	return ac, nil
}

// String describes a without exposing secrets.
func (a AuthContext) String() string {
	if a.Credential == nil {
		return fmt.Sprintf("AuthContext{id=%s provider=%s anonymous}", a.ID, a.Provider)
	}
	return fmt.Sprintf("AuthContext{id=%s provider=%s %s}", a.ID, a.Provider, a.Credential)
}
