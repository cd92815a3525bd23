package session

import "errors"

var ErrSessionNotFound = errors.New("session not found")
var ErrSessionFull = errors.New("session full")
var ErrPlayerNotFound = errors.New("player not found in session")
