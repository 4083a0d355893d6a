package credentials

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Credential is a provider-scoped temporary storage credential. It is a
// value type and is never modified after construction.
type Credential struct {
	AccessKeyID     string    `json:"access_key_id" mapstructure:"access_key_id"`
	SecretAccessKey string    `json:"secret_access_key" mapstructure:"secret_access_key"`
	SessionToken    string    `json:"session_token" mapstructure:"session_token"`
	Region          string    `json:"region" mapstructure:"region"`
	Expiration      time.Time `json:"expiration" mapstructure:"expiration"`
	Provider        string    `json:"provider" mapstructure:"provider"`
}

// ExpiresWithin reports whether the credential is unusable at now given the
// safety buffer, i.e. now + buffer >= Expiration.
func (c Credential) ExpiresWithin(now time.Time, buffer time.Duration) bool {
	return !now.Add(buffer).Before(c.Expiration)
}

// IsZero reports whether c carries no key material.
func (c Credential) IsZero() bool {
	return c.AccessKeyID == "" && c.SecretAccessKey == "" && c.SessionToken == ""
}

// String redacts the secret parts so credentials can appear in logs.
func (c Credential) String() string {
	key := c.AccessKeyID
	if len(key) > 4 {
		key = key[:4] + strings.Repeat("*", len(key)-4)
	}
	return fmt.Sprintf("Credential{provider=%s key=%s expires=%s}", c.Provider, key, c.Expiration.UTC().Format(time.RFC3339))
}

// RawCredentials is the untyped payload returned by an Authenticator, e.g.
// the decoded JSON body of an s3credentials endpoint.
type RawCredentials map[string]any

var (
	accessKeyAliases  = []string{"accessKeyId", "AccessKeyId", "access_key_id", "aws_access_key_id"}
	secretKeyAliases  = []string{"secretAccessKey", "SecretAccessKey", "secret_access_key", "aws_secret_access_key"}
	tokenAliases      = []string{"sessionToken", "SessionToken", "session_token", "aws_session_token"}
	expirationAliases = []string{"expiration", "Expiration", "expires_at"}
	regionAliases     = []string{"region", "Region"}
)

// expirationLayouts covers RFC3339 and the "2006-01-02 15:04:05+00:00"
// form returned by Earthdata s3credentials endpoints.
var expirationLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05-07:00",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParseCredentials converts raw authenticator fields into a Credential
// owned by provider. Access key, secret and expiration are required.
func ParseCredentials(provider string, raw RawCredentials) (Credential, error) {
	c := Credential{
		Provider:        provider,
		AccessKeyID:     lookupString(raw, accessKeyAliases),
		SecretAccessKey: lookupString(raw, secretKeyAliases),
		SessionToken:    lookupString(raw, tokenAliases),
		Region:          lookupString(raw, regionAliases),
	}
	if c.AccessKeyID == "" || c.SecretAccessKey == "" {
		return Credential{}, fmt.Errorf("credential payload for %s is missing access key or secret", provider)
	}

	exp, err := lookupTime(raw, expirationAliases)
	if err != nil {
		return Credential{}, fmt.Errorf("credential payload for %s: %w", provider, err)
	}
	c.Expiration = exp
	if c.Region == "" {
		c.Region = "us-west-2"
	}
	return c, nil
}

func lookupString(raw RawCredentials, keys []string) string {
	for _, k := range keys {
		if v, ok := raw[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}

func lookupTime(raw RawCredentials, keys []string) (time.Time, error) {
	for _, k := range keys {
		v, ok := raw[k]
		if !ok {
			continue
		}
		switch t := v.(type) {
		case time.Time:
			return t, nil
		case *time.Time:
			if t != nil {
				return *t, nil
			}
		case float64:
			return time.Unix(int64(t), 0).UTC(), nil
		case int64:
			return time.Unix(t, 0).UTC(), nil
		case string:
			if secs, err := strconv.ParseInt(t, 10, 64); err == nil {
				return time.Unix(secs, 0).UTC(), nil
			}
			for _, layout := range expirationLayouts {
				if parsed, err := time.Parse(layout, t); err == nil {
					return parsed, nil
				}
			}
			return time.Time{}, fmt.Errorf("unrecognized expiration %q", t)
		}
	}
	return time.Time{}, fmt.Errorf("expiration is required")
}
