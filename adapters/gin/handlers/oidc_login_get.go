package handlers

import (
	"net/http"
	"strings"

	"github.com/PaulFidika/oidclink/adapters/ginutil"
	oidckit "github.com/PaulFidika/oidclink/oidc"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Authorizer builds the provider authorization URL.
type Authorizer interface {
	AuthURL(state, nonce string, pkce oidckit.PKCE) string
}

// HandleOIDCLoginGET starts an authorization code + PKCE login. The optional
// return_to query parameter is kept with the state and handed to the Responder.
func HandleOIDCLoginGET(rp Authorizer, states oidckit.StateCache, log logrus.FieldLogger) gin.HandlerFunc {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return func(c *gin.Context) {
		pkce, err := oidckit.NewPKCE()
		if err != nil {
			ginutil.ServerErrWithLog(c, log, "pkce_failed", err)
			return
		}
		state, err := oidckit.NewState()
		if err != nil {
			ginutil.ServerErrWithLog(c, log, "state_failed", err)
			return
		}
		nonce, err := oidckit.NewState()
		if err != nil {
			ginutil.ServerErrWithLog(c, log, "nonce_failed", err)
			return
		}
		data := oidckit.StateData{
			Verifier: pkce.Verifier,
			Nonce:    nonce,
			ReturnTo: safeReturnTo(c.Query("return_to")),
		}
		if err := states.Put(c.Request.Context(), state, data); err != nil {
			ginutil.ServerErrWithLog(c, log, "state_store_failed", err)
			return
		}
		c.Redirect(http.StatusFound, rp.AuthURL(state, nonce, pkce))
	}
}

// safeReturnTo only accepts same-site absolute paths.
func safeReturnTo(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "/") || strings.HasPrefix(s, "//") || strings.Contains(s, `\`) {
		return ""
	}
	return s
}
