package visitor

import (
	"encoding/base64"
	"strings"
)

// Auth is what the client derives from the session API key.
type Auth struct {
	AccountID string
	// Token is sent as the auth parameter of every call.
	Token string
	// ServerSet is the region suffix, or a full domain, when the key
	// carries one.
	ServerSet    string
	HasServerSet bool
}

// ParseAuth splits a session API key. Three or four ':'-separated parts are
// the API key form; the token is the base64 of the first three and the
// fourth names the server set. Eight ';'-separated "Name:value" parts are
// the private account key form; the token is the first seven parts as is
// and the last carries the server set.
func ParseAuth(key string) Auth {
	var parts []string
	var aid string
	switch {
	case strings.Contains(key, ";"):
		parts = strings.Split(key, ";")
		if first := strings.Split(parts[0], ":"); len(first) > 1 {
			aid = first[1]
		}
	case strings.Contains(key, ":"):
		parts = strings.Split(key, ":")
		aid = parts[0]
	default:
		parts = []string{key}
		aid = key
	}

	a := Auth{AccountID: aid, Token: key}
	switch n := len(parts); {
	case n == 3 || n == 4:
		token := key
		if n == 4 {
			a.ServerSet = "-" + parts[3]
			a.HasServerSet = true
			token = strings.Join(parts[:3], ":")
		}
		a.Token = base64.StdEncoding.EncodeToString([]byte(token))
	case n == 8:
		if ss := strings.SplitN(parts[7], ":", 2); len(ss) == 2 {
			a.ServerSet = ss[1]
			a.HasServerSet = true
		}
		a.Token = strings.Join(parts[:7], ";")
	}
	return a
}
