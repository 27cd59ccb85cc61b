// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package auth

import (
	"errors"
	"net/http"
	"strings"
)

// HeaderAuthorization is the request header carrying upstream credentials.
const HeaderAuthorization = "Authorization"

// Basic injects HTTP basic credentials into upstream requests.
type Basic struct {
	User     string
	Password string
}

// NewBasic parses "user:password" credentials. The password may itself contain
// colons; only the first one separates the fields.
func NewBasic(userinfo string) (*Basic, error) {
	user, password, ok := strings.Cut(userinfo, ":")
	if !ok {
		return nil, errors.New("credentials must be in user:password form")
	}
	if user == "" {
		return nil, errors.New("credentials user must not be empty")
	}
	return &Basic{User: user, Password: password}, nil
}

// Attach replaces any inbound Authorization header with the configured
// credentials.
func (b *Basic) Attach(req *http.Request) {
	req.Header.Del(HeaderAuthorization)
	req.SetBasicAuth(b.User, b.Password)
}
