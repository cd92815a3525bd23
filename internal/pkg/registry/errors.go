package registry

import "github.com/pkg/errors"

// ErrConnNotFound indicates the connection id is not registered.
var ErrConnNotFound = errors.New("connection not found")

// ErrNotAuthenticated indicates the connection has no identity yet.
var ErrNotAuthenticated = errors.New("connection not authenticated")

// ErrAlreadyAuthenticated indicates the connection already holds an identity.
var ErrAlreadyAuthenticated = errors.New("connection already authenticated")
