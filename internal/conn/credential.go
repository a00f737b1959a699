package conn

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/golang-jwt/jwt/v5"
)

// Credential selects how the socket identifies the session: a bare username
// or a bearer token issued by the REST login.
type Credential struct {
	Username string
	Token    string
}

// Endpoint returns the socket URL for base with the credential attached as
// a query parameter. A token takes precedence over a username.
func (c Credential) Endpoint(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("server url %q: scheme must be ws or wss", base)
	}
	q := u.Query()
	switch {
	case c.Token != "":
		q.Set("token", c.Token)
	case c.Username != "":
		q.Set("username", c.Username)
	default:
		return "", errors.New("credential has neither username nor token")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Identity returns the user id the server will attribute this session's
// frames to. For tokens it reads the username claim, falling back to sub.
// The signature is not checked; the server does that.
func (c Credential) Identity() (string, error) {
	if c.Token == "" {
		if c.Username == "" {
			return "", errors.New("credential has neither username nor token")
		}
		return c.Username, nil
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(c.Token, claims); err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}
	if name, ok := claims["username"].(string); ok && name != "" {
		return name, nil
	}
	sub, err := claims.GetSubject()
	if err != nil {
		return "", fmt.Errorf("token subject: %w", err)
	}
	if sub == "" {
		if c.Username != "" {
			return c.Username, nil
		}
		return "", errors.New("token carries no username or sub claim")
	}
	return sub, nil
}
