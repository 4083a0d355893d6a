package credentials

import "maps"

// Cookie is the serializable subset of an HTTP cookie kept in a session
// template.
type Cookie struct {
	Name   string `json:"name" mapstructure:"name"`
	Value  string `json:"value" mapstructure:"value"`
	Domain string `json:"domain,omitempty" mapstructure:"domain"`
	Path   string `json:"path,omitempty" mapstructure:"path"`
}

// Session is the header and cookie template of an authenticated HTTP
// session. Workers clone it into their own http.Client for HTTPS access.
type Session struct {
	Headers map[string]string `json:"headers,omitempty" mapstructure:"headers"`
	Cookies []Cookie          `json:"cookies,omitempty" mapstructure:"cookies"`
}

// Clone returns a deep copy of s.
func (s Session) Clone() Session {
	out := Session{}
	if s.Headers != nil {
		out.Headers = maps.Clone(s.Headers)
	}
	if s.Cookies != nil {
		out.Cookies = append([]Cookie(nil), s.Cookies...)
	}
	return out
}

// IsZero reports whether the session carries neither headers nor cookies.
func (s Session) IsZero() bool {
	return len(s.Headers) == 0 && len(s.Cookies) == 0
}
