package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/PaulFidika/oidclink/adapters/ginutil"
	"github.com/PaulFidika/oidclink/core"
	"github.com/PaulFidika/oidclink/identity"
	oidckit "github.com/PaulFidika/oidclink/oidc"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Resolver maps verified claims to a local account.
type Resolver interface {
	Resolve(ctx context.Context, claims identity.Claims) (core.Result, error)
}

var _ Resolver = (*core.Service)(nil)

// Responder writes the response once an account has been resolved. Session
// issuance and redirects belong here.
type Responder func(c *gin.Context, res core.Result, st oidckit.StateData)

// JSONResponder reports the resolved account id and how it was reached.
func JSONResponder(c *gin.Context, res core.Result, st oidckit.StateData) {
	body := gin.H{"user_id": res.Account.ID, "path": string(res.Path)}
	if st.ReturnTo != "" {
		body["return_to"] = st.ReturnTo
	}
	c.JSON(http.StatusOK, body)
}

// CallbackConfig wires the callback handler.
type CallbackConfig struct {
	Exchanger oidckit.Exchanger
	States    oidckit.StateCache
	Resolver  Resolver
	Respond   Responder // defaults to JSONResponder
	Log       logrus.FieldLogger
}

// HandleOIDCCallbackGET completes the login: it consumes the state, redeems
// the code, and resolves the verified claims to an account.
func HandleOIDCCallbackGET(cfg CallbackConfig) gin.HandlerFunc {
	respond := cfg.Respond
	if respond == nil {
		respond = JSONResponder
	}
	log := cfg.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if e := c.Query("error"); e != "" {
			log.WithField("provider_error", e).Info("provider denied authorization")
			ginutil.Unauthorized(c, "provider_denied")
			return
		}
		state := strings.TrimSpace(c.Query("state"))
		code := strings.TrimSpace(c.Query("code"))
		if state == "" || code == "" {
			ginutil.BadRequest(c, "invalid_request")
			return
		}
		st, ok, err := oidckit.ConsumeState(ctx, cfg.States, state)
		if err != nil {
			ginutil.ServerErrWithLog(c, log, "state_lookup_failed", err)
			return
		}
		if !ok {
			ginutil.BadRequest(c, "invalid_state")
			return
		}

		claims, err := cfg.Exchanger.Exchange(ctx, code, st.Verifier, st.Nonce)
		if err != nil {
			log.WithError(err).Warn("code exchange failed")
			ginutil.Unauthorized(c, "exchange_failed")
			return
		}

		res, err := cfg.Resolver.Resolve(ctx, claims)
		switch {
		case err == nil:
			respond(c, res, st)
		case errors.Is(err, core.ErrAmbiguousIdentity):
			ginutil.Conflict(c, "ambiguous_identity")
		case errors.Is(err, core.ErrMalformedClaims):
			ginutil.Forbidden(c, "malformed_claims")
		default:
			ginutil.ServerErrWithLog(c, log, "resolution_failed", err)
		}
	}
}
