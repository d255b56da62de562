// Package secrets resolves credential references in collector configuration.
//
// A value is resolved according to its prefix:
//
//	env:NAME          the environment variable NAME
//	op://item/field   a field of a 1Password item in the configured vault
//	anything else     the literal value
//
// 1Password lookups go through the Connect API and are cached for the life of
// the resolver; credentials are read once at startup.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/1Password/connect-sdk-go/connect"
	"github.com/1Password/connect-sdk-go/onepassword"
)

const (
	envPrefix = "env:"
	opPrefix  = "op://"
)

// ErrNotFound is returned when a referenced secret does not exist.
var ErrNotFound = errors.New("secret not found")

// ItemReader is the subset of the 1Password Connect client used here.
type ItemReader interface {
	GetItemsByTitle(title string, vaultQuery string) ([]onepassword.Item, error)
	GetItem(itemQuery string, vaultQuery string) (*onepassword.Item, error)
}

// OnePasswordConfig holds configuration for 1Password Connect.
type OnePasswordConfig struct {
	Host    string // OP_CONNECT_HOST
	Token   string // OP_CONNECT_TOKEN
	VaultID string // OP_VAULT_ID
}

// Resolver resolves secret references.
type Resolver struct {
	items   ItemReader // nil when 1Password is not configured
	vaultID string
	lookup  func(string) (string, bool)
	logger  *slog.Logger

	mu    sync.Mutex
	cache map[string]string
}

// NewResolver creates a resolver. op:// references fail unless 1Password is
// configured.
func NewResolver(cfg OnePasswordConfig, logger *slog.Logger) (*Resolver, error) {
	r := &Resolver{
		lookup: os.LookupEnv,
		logger: logger.With("component", "secrets"),
		cache:  make(map[string]string),
	}
	if cfg.Host == "" && cfg.Token == "" && cfg.VaultID == "" {
		return r, nil
	}
	if cfg.Host == "" || cfg.Token == "" || cfg.VaultID == "" {
		return nil, fmt.Errorf("1Password configuration incomplete: host, token, and vault_id are required")
	}
	r.items = connect.NewClientWithUserAgent(cfg.Host, cfg.Token, "topomon-collector")
	r.vaultID = cfg.VaultID
	return r, nil
}

// NewResolverWithItems creates a resolver on an existing item reader.
func NewResolverWithItems(items ItemReader, vaultID string, logger *slog.Logger) *Resolver {
	return &Resolver{
		items:   items,
		vaultID: vaultID,
		lookup:  os.LookupEnv,
		logger:  logger.With("component", "secrets"),
		cache:   make(map[string]string),
	}
}

// IsReference reports whether v names a secret rather than holding one.
func IsReference(v string) bool {
	return strings.HasPrefix(v, envPrefix) || strings.HasPrefix(v, opPrefix)
}

// Resolve returns the secret value v refers to, or v itself when it is not a
// reference.
func (r *Resolver) Resolve(ctx context.Context, v string) (string, error) {
	switch {
	case strings.HasPrefix(v, envPrefix):
		name := strings.TrimPrefix(v, envPrefix)
		val, ok := r.lookup(name)
		if !ok {
			return "", fmt.Errorf("environment variable %s: %w", name, ErrNotFound)
		}
		return val, nil
	case strings.HasPrefix(v, opPrefix):
		return r.resolveOnePassword(ctx, strings.TrimPrefix(v, opPrefix))
	default:
		return v, nil
	}
}

func (r *Resolver) resolveOnePassword(ctx context.Context, ref string) (string, error) {
	title, field, ok := strings.Cut(ref, "/")
	if !ok || title == "" || field == "" {
		return "", fmt.Errorf("invalid 1Password reference %q (want op://item/field)", opPrefix+ref)
	}
	if r.items == nil {
		return "", fmt.Errorf("1Password reference %q but 1Password Connect is not configured", opPrefix+ref)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.cache[ref]; ok {
		return v, nil
	}

	items, err := r.items.GetItemsByTitle(title, r.vaultID)
	if err != nil {
		if isNotFoundError(err) {
			return "", fmt.Errorf("item %q: %w", title, ErrNotFound)
		}
		return "", fmt.Errorf("listing items: %w", err)
	}
	if len(items) == 0 {
		return "", fmt.Errorf("item %q: %w", title, ErrNotFound)
	}
	if len(items) > 1 {
		r.logger.Warn("several 1Password items share a title, using the first", "title", title, "count", len(items))
	}

	// Listing omits field values; fetch the full item.
	item, err := r.items.GetItem(items[0].ID, r.vaultID)
	if err != nil {
		return "", fmt.Errorf("getting item: %w", err)
	}

	for _, f := range item.Fields {
		if f == nil {
			continue
		}
		if f.ID == field || strings.EqualFold(f.Label, field) {
			r.cache[ref] = f.Value
			r.logger.Debug("resolved 1Password secret", "item", title, "field", field)
			return f.Value, nil
		}
	}
	return "", fmt.Errorf("field %q of item %q: %w", field, title, ErrNotFound)
}

// isNotFoundError checks if an error is a "not found" error from 1Password.
// The SDK reports these with several error types, so match the message.
func isNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not found") || strings.Contains(msg, "404") || strings.Contains(msg, "no items")
}
