package auth

import (
	"crypto/subtle"
	"log"

	"github.com/cakranode/control-plane/control_plane/store"
)

// CanActOnBot reports whether the identity may mutate the given bot:
// the owner or an admin, nobody else.
func CanActOnBot(ident *Identity, bot *store.Bot) bool {
	if ident == nil || bot == nil {
		return false
	}
	return ident.IsAdmin || ident.UserID == bot.UserID
}

// NodeSecretValid checks a node-originated call's secret. The per-node
// access token is authoritative when the node record carries one; the shared
// deployment secret is a legacy fallback only.
func NodeSecretValid(presented string, node *store.Node, sharedSecret string) bool {
	if presented == "" {
		return false
	}
	if node != nil && node.AccessToken != "" {
		return subtle.ConstantTimeCompare([]byte(presented), []byte(node.AccessToken)) == 1
	}
	if sharedSecret != "" && subtle.ConstantTimeCompare([]byte(presented), []byte(sharedSecret)) == 1 {
		if node != nil {
			log.Printf("[AUTH] Node %s authenticated via deprecated shared secret; provision a per-node token", node.ID)
		}
		return true
	}
	return false
}
