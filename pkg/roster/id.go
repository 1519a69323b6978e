// Package roster defines the closed set of banking agents and the immutable
// registry that binds each of them to a handler.
package roster

import (
	"errors"
	"fmt"
	"strings"
)

// ID names one of the banking agents.
type ID string

const (
	// Unknown is recorded when no agent has been selected yet.
	Unknown         ID = "unknown"
	Coordinator     ID = "coordinator_agent"
	CustomerSupport ID = "customer_support_agent"
	Sales           ID = "sales_agent"
	Transactions    ID = "transactions_agent"
)

// ErrUnknownAgent is returned when a name does not match any agent.
var ErrUnknownAgent = errors.New("unknown agent")

var all = []ID{Coordinator, CustomerSupport, Sales, Transactions}

// All returns the four agents in a stable order.
func All() []ID {
	return append([]ID(nil), all...)
}

// Valid reports whether id is one of the four agents.
func (id ID) Valid() bool {
	for _, candidate := range all {
		if candidate == id {
			return true
		}
	}
	return false
}

func (id ID) String() string {
	return string(id)
}

// Parse resolves a name into an agent ID.
func Parse(name string) (ID, error) {
	id := ID(strings.TrimSpace(name))
	if !id.Valid() {
		return Unknown, fmt.Errorf("%w: %q", ErrUnknownAgent, name)
	}
	return id, nil
}

// Lookup is like Parse but maps anything unrecognized to Unknown.
func Lookup(name string) ID {
	id, err := Parse(name)
	if err != nil {
		return Unknown
	}
	return id
}
