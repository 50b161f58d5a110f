package fleet

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	ErrTargetNotFound = errors.New("no minion matches host")
	ErrNoResponse     = errors.New("no minion returned a result")
)

// Executor runs remediation functions on the managed fleet.
type Executor interface {
	// ResolveTarget maps a logical host, usually an FQDN, to a minion id.
	ResolveTarget(ctx context.Context, host string) (string, error)
	Execute(ctx context.Context, target, function string, args []string) (json.RawMessage, error)
}

type Minion struct {
	ID   string   `json:"id"`
	FQDN string   `json:"fqdn"`
	Host string   `json:"host,omitempty"`
	OS   string   `json:"os,omitempty"`
	IPv4 []string `json:"ipv4,omitempty"`
}
