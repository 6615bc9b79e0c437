// Package idgen generates short URL-safe identifiers backed by nanoid.
package idgen

import (
	"fmt"

	nanoid "github.com/matoous/go-nanoid/v2"
)

// Kind prefixes identify what an ID names.
const (
	Message  = "msg-"
	Ledger   = "led-"
	Run      = "run-"
	Snapshot = "snap-"
)

const (
	alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	length   = 12
)

// New returns kind followed by twelve random characters.
func New(kind string) (string, error) {
	id, err := nanoid.Generate(alphabet, length)
	if err != nil {
		return "", fmt.Errorf("generate %sid: %w", kind, err)
	}
	return kind + id, nil
}

// Must is New for callers that cannot handle an entropy failure.
func Must(kind string) string {
	id, err := New(kind)
	if err != nil {
		panic(err)
	}
	return id
}
