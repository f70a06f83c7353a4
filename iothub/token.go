package iothub

import (
	"context"
	"time"

	"github.com/Thejuampi/iothub-client-go/iothub/internal/clock"
	"github.com/Thejuampi/iothub-client-go/iothub/internal/sas"
)

// DefaultTokenTTL is the lifetime of tokens minted from a shared access key.
const DefaultTokenTTL = time.Hour

// Credential is a signed token and its expiry. A zero Expiry means the
// token never needs refreshing.
type Credential struct {
	Token  string
	Expiry time.Time
}

// Infinite reports whether the credential never expires.
func (credential Credential) Infinite() bool {
	return credential.Expiry.IsZero()
}

// TokenProvider produces credentials for an audience.
type TokenProvider interface {
	Token(ctx context.Context, audience string) (Credential, error)
}

// TokenProviderFunc adapts a function to TokenProvider.
type TokenProviderFunc func(ctx context.Context, audience string) (Credential, error)

// Token implements TokenProvider.
func (provide TokenProviderFunc) Token(ctx context.Context, audience string) (Credential, error) {
	return provide(ctx, audience)
}

// SharedAccessKeyProvider mints a fresh signature on every call.
type SharedAccessKeyProvider struct {
	keyName string
	key     string
	ttl     time.Duration
	clock   clock.Clock
}

// NewSharedAccessKeyProvider returns a provider signing with the base64
// key. A non-positive ttl uses DefaultTokenTTL.
func NewSharedAccessKeyProvider(keyName string, key string, ttl time.Duration) *SharedAccessKeyProvider {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &SharedAccessKeyProvider{keyName: keyName, key: key, ttl: ttl, clock: clock.Real()}
}

// Token implements TokenProvider.
func (provider *SharedAccessKeyProvider) Token(ctx context.Context, audience string) (Credential, error) {
	expiry := provider.clock.Now().Add(provider.ttl).Truncate(time.Second)
	token, err := sas.Sign(audience, provider.keyName, provider.key, expiry)
	if err != nil {
		return Credential{}, NewError(UnauthorizedError, "sign shared access token", err)
	}
	return Credential{Token: token, Expiry: expiry}, nil
}

// StaticTokenProvider hands out one caller-supplied signature. It cannot
// be renewed, so it reports an infinite credential and no refresh is ever
// scheduled; the service rejects it once its own se= time passes.
type StaticTokenProvider struct {
	token string
	clock clock.Clock
}

// NewStaticTokenProvider wraps a pre-built SharedAccessSignature.
func NewStaticTokenProvider(token string) *StaticTokenProvider {
	return &StaticTokenProvider{token: token, clock: clock.Real()}
}

// Token implements TokenProvider. A signature whose se= time has passed
// is refused locally.
func (provider *StaticTokenProvider) Token(ctx context.Context, audience string) (Credential, error) {
	if provider.token == "" {
		return Credential{}, NewError(UnauthorizedError, "empty shared access signature")
	}
	expiry, err := sas.Expiry(provider.token)
	if err != nil {
		return Credential{}, NewError(UnauthorizedError, "malformed shared access signature", err)
	}
	if !expiry.IsZero() && !expiry.After(provider.clock.Now()) {
		return Credential{}, NewError(UnauthorizedError, "shared access signature expired at "+expiry.UTC().Format(time.RFC3339))
	}
	return Credential{Token: provider.token}, nil
}

// ConnectionString is a parsed service connection string.
type ConnectionString struct {
	HostName              string
	SharedAccessKeyName   string
	SharedAccessKey       string
	SharedAccessSignature string
}

// ParseConnectionString parses "HostName=...;SharedAccessKeyName=...;SharedAccessKey=...".
func ParseConnectionString(raw string) (ConnectionString, error) {
	parsed, err := sas.ParseConnectionString(raw)
	if err != nil {
		return ConnectionString{}, NewError(InvalidArgumentError, err)
	}
	return ConnectionString(parsed), nil
}

// TokenProvider returns the provider matching the connection string's
// key material.
func (connectionString ConnectionString) TokenProvider(ttl time.Duration) TokenProvider {
	if connectionString.SharedAccessSignature != "" {
		return NewStaticTokenProvider(connectionString.SharedAccessSignature)
	}
	return NewSharedAccessKeyProvider(connectionString.SharedAccessKeyName, connectionString.SharedAccessKey, ttl)
}

// NewConnectionManagerFromConnectionString parses raw and builds a manager
// for its host.
func NewConnectionManagerFromConnectionString(raw string, options ...ConnectionOption) (*ConnectionManager, error) {
	parsed, err := ParseConnectionString(raw)
	if err != nil {
		return nil, err
	}
	return NewConnectionManager(parsed.HostName, parsed.TokenProvider(DefaultTokenTTL), options...), nil
}
