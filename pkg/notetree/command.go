package notetree

import "time"

// Command is a parsed sub-command. Main dispatches on its concrete type.
type Command interface {
	// Name returns the sub-command name used on the command line.
	Name() string
}

// RunCommand serves the HTTP and websocket API.
type RunCommand struct{}

func (c *RunCommand) Name() string {
	return "run"
}

// MigrateCommand prepares the backend schema.
type MigrateCommand struct{}

func (c *MigrateCommand) Name() string {
	return "migrate"
}

// TokenCommand prints a signed bearer token for Principal. It needs a JWT
// secret.
type TokenCommand struct {
	Principal string
	TTL       time.Duration
}

func (c *TokenCommand) Name() string {
	return "token"
}
