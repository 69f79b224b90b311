// Package domain contains the call vocabulary shared by every layer, without logic beyond validation.
package domain

import (
	"errors"
	"fmt"
)

const (
	MinIdentityLen = 4
	MaxIdentityLen = 6
)

var (
	ErrIdentityEmpty   = errors.New("identity empty")
	ErrIdentityLength  = errors.New("identity length out of range")
	ErrIdentityNumeric = errors.New("identity must be numeric")
)

// Identity is an endpoint address: a numeric extension such as "1001".
type Identity string

// ParseIdentity validates raw as an extension.
func ParseIdentity(raw string) (Identity, error) {
	id := Identity(raw)
	if err := id.Validate(); err != nil {
		return "", err
	}
	return id, nil
}

func (id Identity) Validate() error {
	if len(id) == 0 {
		return ErrIdentityEmpty
	}
	if len(id) < MinIdentityLen || len(id) > MaxIdentityLen {
		return fmt.Errorf("%w: %q has %d digits, want %d-%d", ErrIdentityLength, string(id), len(id), MinIdentityLen, MaxIdentityLen)
	}
	for _, r := range id {
		if r < '0' || r > '9' {
			return fmt.Errorf("%w: %q", ErrIdentityNumeric, string(id))
		}
	}
	return nil
}

func (id Identity) String() string { return string(id) }
