// Package auth resolves bearer tokens into an AuthContext.
//
// The core engine never sees credentials: transports resolve the
// Authorization header here and pass the resulting context down. Two
// modes exist — "none" (every request is an admin) and "static" (a
// global key and/or a per-tenant keys file).
package auth

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/rodrigopitanga/patchvec/internal/config"
	"github.com/rodrigopitanga/patchvec/internal/pverr"
)

// Role describes the scope of an authenticated caller.
type Role string

const (
	// RoleAdmin may touch every tenant.
	RoleAdmin Role = "admin"

	// RoleTenant is restricted to its tenant set.
	RoleTenant Role = "tenant"
)

// Context is the resolved identity attached to a request.
type Context struct {
	Role    Role
	Tenants map[string]bool
}

// Allowed reports whether the caller may act on tenant.
func (c *Context) Allowed(tenant string) bool {
	if c == nil {
		return false
	}
	return c.Role == RoleAdmin || c.Tenants[tenant]
}

// Resolver maps a bearer token to a Context.
type Resolver interface {
	Resolve(token string) (*Context, error)
}

// New builds a resolver from config.
func New(cfg config.AuthConfig) (Resolver, error) {
	switch cfg.Mode {
	case "none":
		return openResolver{}, nil
	case "static":
		return newStaticResolver(cfg)
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Mode)
	}
}

// openResolver admits everyone as admin.
type openResolver struct{}

func (openResolver) Resolve(string) (*Context, error) {
	return &Context{Role: RoleAdmin}, nil
}

// staticResolver checks a global key and a per-tenant keys file.
type staticResolver struct {
	globalKey string
	byKey     map[string][]string
}

// tenantsFile is the YAML shape of auth.tenants_file:
//
//	keys:
//	  - key: s3cret
//	    tenants: [acme, globex]
type tenantsFile struct {
	Keys []struct {
		Key     string   `yaml:"key"`
		Tenants []string `yaml:"tenants"`
	} `yaml:"keys"`
}

func newStaticResolver(cfg config.AuthConfig) (*staticResolver, error) {
	r := &staticResolver{
		globalKey: cfg.GlobalKey,
		byKey:     make(map[string][]string),
	}
	if cfg.TenantsFile != "" {
		data, err := os.ReadFile(cfg.TenantsFile)
		if err != nil {
			return nil, fmt.Errorf("reading tenants file: %w", err)
		}
		var tf tenantsFile
		if err := yaml.Unmarshal(data, &tf); err != nil {
			return nil, fmt.Errorf("parsing tenants file: %w", err)
		}
		for _, entry := range tf.Keys {
			if entry.Key == "" {
				return nil, fmt.Errorf("tenants file contains an empty key")
			}
			r.byKey[entry.Key] = entry.Tenants
		}
	}
	return r, nil
}

func (r *staticResolver) Resolve(token string) (*Context, error) {
	if token == "" {
		return nil, pverr.New(pverr.CodeUnauthorized, "missing bearer token")
	}
	if r.globalKey != "" && token == r.globalKey {
		return &Context{Role: RoleAdmin}, nil
	}
	if tenants, ok := r.byKey[token]; ok {
		set := make(map[string]bool, len(tenants))
		for _, t := range tenants {
			set[t] = true
		}
		return &Context{Role: RoleTenant, Tenants: set}, nil
	}
	return nil, pverr.New(pverr.CodeUnauthorized, "unknown bearer token")
}
