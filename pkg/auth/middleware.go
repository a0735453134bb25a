// Package auth guards the ops HTTP endpoint with static API keys. Each key
// carries a set of scopes; a route asks for exactly one scope.
package auth

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
)

var ErrUnknownScope = errors.New("unknown scope")

// Scope is a bit set of what an ops key may reach.
type Scope uint8

const (
	ScopeMetrics Scope = 1 << iota
	ScopeDebug

	ScopeAll = ScopeMetrics | ScopeDebug
)

var scopeNames = map[string]Scope{
	"metrics": ScopeMetrics,
	"debug":   ScopeDebug,
	"*":       ScopeAll,
}

func (s Scope) String() string {
	switch s {
	case ScopeMetrics:
		return "metrics"
	case ScopeDebug:
		return "debug"
	case ScopeAll:
		return "*"
	default:
		return fmt.Sprintf("scope(%d)", uint8(s))
	}
}

// ParseScopes folds scope names, case-insensitively, into one Scope.
func ParseScopes(names []string) (Scope, error) {
	var s Scope
	for _, n := range names {
		v, ok := scopeNames[strings.ToLower(strings.TrimSpace(n))]
		if !ok {
			return 0, fmt.Errorf("%w: %q", ErrUnknownScope, n)
		}
		s |= v
	}
	return s, nil
}

// KeyConfig is one entry of auth.keys in the YAML file.
type KeyConfig struct {
	Name   string   `mapstructure:"name"`
	Key    string   `mapstructure:"key"`
	Scopes []string `mapstructure:"scopes"`
}

type grant struct {
	name   string
	scopes Scope
}

// Keyring maps key digests to grants. Plain keys are not kept.
type Keyring struct {
	grants map[[sha256.Size]byte]grant
	logger zerolog.Logger
}

func NewKeyring(keys []KeyConfig, logger zerolog.Logger) (*Keyring, error) {
	k := &Keyring{
		grants: make(map[[sha256.Size]byte]grant, len(keys)),
		logger: logger,
	}

	for _, kc := range keys {
		if kc.Key == "" {
			return nil, fmt.Errorf("ops key %q has no key", kc.Name)
		}
		scopes, err := ParseScopes(kc.Scopes)
		if err != nil {
			return nil, fmt.Errorf("ops key %q: %w", kc.Name, err)
		}
		k.grants[sha256.Sum256([]byte(kc.Key))] = grant{name: kc.Name, scopes: scopes}
		logger.Info().Str("name", kc.Name).Stringer("scopes", scopes).Msg("loaded ops api key")
	}

	return k, nil
}

// Enabled reports whether any key is configured. An empty keyring guards
// nothing.
func (k *Keyring) Enabled() bool {
	return k != nil && len(k.grants) > 0
}

// Guard only lets through requests whose key holds scope.
func (k *Keyring) Guard(scope Scope) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !k.Enabled() {
			return next
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, ok := presentedKey(r)
			if !ok {
				w.Header().Set("WWW-Authenticate", `Bearer realm="env-logger"`)
				http.Error(w, "api key required", http.StatusUnauthorized)
				return
			}

			g, ok := k.grants[sha256.Sum256([]byte(key))]
			if !ok {
				http.Error(w, "invalid api key", http.StatusUnauthorized)
				return
			}
			if g.scopes&scope != scope {
				k.logger.Warn().Str("key", g.name).Stringer("scope", scope).Str("path", r.URL.Path).Msg("ops request out of scope")
				http.Error(w, "forbidden: key lacks scope "+scope.String(), http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// presentedKey reads "Authorization: Bearer <key>" or, failing that,
// X-API-Key.
func presentedKey(r *http.Request) (string, bool) {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, key, found := strings.Cut(h, " ")
		if !found || !strings.EqualFold(scheme, "bearer") || key == "" {
			return "", false
		}
		return key, true
	}

	key := r.Header.Get("X-API-Key")
	return key, key != ""
}
