package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	gwerrors "github.com/blueberrycongee/relaymux/pkg/errors"
)

// Resolver turns an inbound request into the user and key it acts as.
type Resolver interface {
	Resolve(ctx context.Context, r *http.Request) (*Result, error)
}

// StoreResolver authenticates raw API keys against a Store and, when a codec is
// configured, session-login tokens issued by TokenCodec.
type StoreResolver struct {
	store  Store
	tokens *TokenCodec
	logger *slog.Logger
}

// NewStoreResolver creates a resolver. tokens may be nil.
func NewStoreResolver(store Store, tokens *TokenCodec, logger *slog.Logger) *StoreResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreResolver{store: store, tokens: tokens, logger: logger}
}

// Resolve implements Resolver. Failures are returned as *errors.GatewayError.
func (r *StoreResolver) Resolve(ctx context.Context, req *http.Request) (*Result, error) {
	credential := credentialFromRequest(req)
	if credential == "" {
		return nil, gwerrors.NewAuthError("missing api key")
	}

	var (
		key *Key
		err error
	)
	if r.tokens.Enabled() && looksLikeJWT(credential) {
		claims, verr := r.tokens.Verify(credential)
		if verr != nil {
			return nil, gwerrors.NewAuthError("invalid session token")
		}
		key, err = r.store.GetKey(ctx, claims.KeyID)
	} else {
		key, err = r.store.GetKeyByHash(ctx, HashKey(credential))
	}
	if errors.Is(err, ErrNotFound) {
		r.logger.Debug("unknown api key", "key", MaskKey(credential))
		return nil, gwerrors.NewAuthError("invalid api key")
	}
	if err != nil {
		r.logger.Error("failed to lookup api key", "error", err)
		return nil, gwerrors.NewInternalError("failed to authenticate request")
	}

	if !key.Enabled {
		return nil, gwerrors.NewAuthError("api key is disabled")
	}
	if key.IsExpired() {
		return nil, gwerrors.NewAuthError("api key has expired")
	}

	user, err := r.store.GetUser(ctx, key.UserID)
	if errors.Is(err, ErrNotFound) {
		return nil, gwerrors.NewAuthError("api key owner not found")
	}
	if err != nil {
		r.logger.Error("failed to lookup user", "error", err, "user_id", key.UserID)
		return nil, gwerrors.NewInternalError("failed to authenticate request")
	}
	if !user.Enabled {
		return nil, gwerrors.NewAuthError("user is disabled")
	}

	return &Result{User: user, Key: key, RawAPIKey: credential}, nil
}

// credentialFromRequest reads Authorization first, then x-api-key (native clients).
func credentialFromRequest(req *http.Request) string {
	if h := req.Header.Get("Authorization"); h != "" {
		if key, err := ParseAuthHeader(h); err == nil {
			return key
		}
	}
	return strings.TrimSpace(req.Header.Get("x-api-key"))
}
