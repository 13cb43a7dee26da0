package xid

import (
	"fmt"

	"github.com/google/uuid"
)

// New returns a random document identifier.
func New() string {
	return uuid.NewString()
}

// Derived returns a stable identifier for name within namespace, used where
// one document per owner must exist.
func Derived(namespace string, name string) string {
	ns := uuid.NewSHA1(uuid.NameSpaceOID, []byte(namespace))
	return uuid.NewSHA1(ns, []byte(name)).String()
}

// Canonical parses s as a UUID and returns its canonical lowercase form.
func Canonical(s string) (string, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid identifier %q", s)
	}
	return id.String(), nil
}
