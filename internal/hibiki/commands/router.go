// Package commands recognises chat commands ("pause 60", "reset", "usage")
// and answers them in the subscriber's language.
package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bdobrica/Hibiki/internal/hibiki/locale"
)

// Command is a parsed command.
type Command struct {
	Name    string // canonical name, e.g. "pause"
	Word    string // the word as typed, e.g. "PAUSA"
	Args    []string
	RawText string

	ConversationID string
	Lang           string
}

// Arg returns an argument by index.
func (c *Command) Arg(index int) (string, bool) {
	if index < 0 || index >= len(c.Args) {
		return "", false
	}
	return c.Args[index], true
}

// ErrNotACommand is returned by Parse for ordinary chat text. Callers use
// errors.Is to tell it from real errors.
var ErrNotACommand = errors.New("commands: not a command")

// Handler answers a command with the reply text.
type Handler func(ctx context.Context, cmd *Command) (string, error)

type route struct {
	maxArgs int
	handler Handler
}

// Router maps command words in every catalog language to handlers.
type Router struct {
	catalog *locale.Catalog
	routes  map[string]route
}

// NewRouter creates a Router that resolves aliases through catalog.
func NewRouter(catalog *locale.Catalog) *Router {
	return &Router{
		catalog: catalog,
		routes:  make(map[string]route),
	}
}

// Register adds a handler for a canonical command name. Messages carrying
// more than maxArgs arguments are not treated as the command, so "reset the
// router for me" stays a chat message.
func (r *Router) Register(name string, maxArgs int, h Handler) {
	r.routes[name] = route{maxArgs: maxArgs, handler: h}
}

// Parse recognises a command at the start of text. The word is matched
// case-insensitively, with an optional leading slash.
func (r *Router) Parse(text string) (*Command, error) {
	text = strings.TrimSpace(text)
	parts := strings.Fields(text)
	if len(parts) == 0 {
		return nil, ErrNotACommand
	}

	word := strings.TrimPrefix(parts[0], "/")
	name, ok := r.catalog.Command(word)
	if !ok {
		return nil, ErrNotACommand
	}
	rt, ok := r.routes[name]
	if !ok || len(parts)-1 > rt.maxArgs {
		return nil, ErrNotACommand
	}

	return &Command{
		Name:    name,
		Word:    word,
		Args:    parts[1:],
		RawText: text,
	}, nil
}

// Route runs the handler for cmd.
func (r *Router) Route(ctx context.Context, cmd *Command) (string, error) {
	rt, ok := r.routes[cmd.Name]
	if !ok {
		return "", fmt.Errorf("commands: unknown command: %s", cmd.Name)
	}
	return rt.handler(ctx, cmd)
}
