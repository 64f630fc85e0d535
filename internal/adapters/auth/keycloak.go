package auth

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/openbrainhub/neuroagent/internal/domain"
	"github.com/openbrainhub/neuroagent/internal/ports"
)

// tokenCacheTTL bounds how long a verified token is trusted without another
// round trip to the identity provider.
const tokenCacheTTL = 30 * time.Second

type cachedUser struct {
	user    *ports.UserInfo
	expires time.Time
}

// KeycloakGate validates bearer tokens against the issuer's userinfo endpoint
// and reads virtual-lab membership from the group claims.
type KeycloakGate struct {
	provider *oidc.Provider

	mu    sync.Mutex
	cache map[string]cachedUser
	now   func() time.Time
}

func NewKeycloakGate(ctx context.Context, issuerURL string) (*KeycloakGate, error) {
	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to discover oidc issuer %s: %w", issuerURL, err)
	}
	return &KeycloakGate{
		provider: provider,
		cache:    make(map[string]cachedUser),
		now:      time.Now,
	}, nil
}

type userinfoClaims struct {
	Sub               string   `json:"sub"`
	PreferredUsername string   `json:"preferred_username"`
	Email             string   `json:"email"`
	GivenName         string   `json:"given_name"`
	FamilyName        string   `json:"family_name"`
	Groups            []string `json:"groups"`
}

// Verify resolves the bearer token to a user identity. Recent verdicts are
// cached so the several middleware and handler checks of one request cost a
// single userinfo call.
func (g *KeycloakGate) Verify(ctx context.Context, bearerToken string) (*ports.UserInfo, error) {
	if bearerToken == "" {
		return nil, domain.ErrInvalidToken
	}

	g.mu.Lock()
	if entry, ok := g.cache[bearerToken]; ok && g.now().Before(entry.expires) {
		g.mu.Unlock()
		return entry.user, nil
	}
	g.mu.Unlock()

	source := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: bearerToken, TokenType: "Bearer"})
	userinfo, err := g.provider.UserInfo(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidToken, err)
	}

	var claims userinfoClaims
	if err := userinfo.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidToken, err)
	}

	user := &ports.UserInfo{
		Sub:        claims.Sub,
		Username:   claims.PreferredUsername,
		Email:      claims.Email,
		GivenName:  claims.GivenName,
		FamilyName: claims.FamilyName,
		Groups:     claims.Groups,
	}

	g.mu.Lock()
	g.cache[bearerToken] = cachedUser{user: user, expires: g.now().Add(tokenCacheTTL)}
	// Drop stale entries opportunistically instead of running a sweeper.
	for token, entry := range g.cache {
		if g.now().After(entry.expires) {
			delete(g.cache, token)
		}
	}
	g.mu.Unlock()

	return user, nil
}

// CheckProjectAccess reports whether the user carries a group of the form
// /proj/<vlab>/<project>/<role> for the requested pair, at any role.
func (g *KeycloakGate) CheckProjectAccess(_ context.Context, user *ports.UserInfo, vlabID, projectID string) bool {
	if user == nil {
		return false
	}
	return HasProjectGroup(user.Groups, vlabID, projectID)
}

// HasProjectGroup is the group-claim predicate shared by the gate and tests.
func HasProjectGroup(groups []string, vlabID, projectID string) bool {
	prefix := fmt.Sprintf("/proj/%s/%s/", vlabID, projectID)
	for _, group := range groups {
		if strings.HasPrefix(group, prefix) {
			return true
		}
	}
	return false
}
