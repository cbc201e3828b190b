package identity

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// actorEntry is one row of identities.json: an allowed actor_id bound to
// the shared secret it signs requests with.
type actorEntry struct {
	ActorID string `json:"actor_id"`
	Secret  string `json:"secret"`
}

// AllowList enumerates the actors permitted to call /propose and
// /execute. Unknown actor ids fail authentication with 401 regardless
// of whether they present a well-formed signature.
type AllowList struct {
	secrets map[string]string
}

// LoadAllowList reads identities.json from path. Each actor_id must be
// of the form "kind:name" (agent:coder, human:alice, system:bootstrap).
func LoadAllowList(path string) (*AllowList, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read identities file: %w", err)
	}
	var entries []actorEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parse identities file: %w", err)
	}
	secrets := make(map[string]string, len(entries))
	for _, e := range entries {
		actorID := strings.TrimSpace(e.ActorID)
		secret := strings.TrimSpace(e.Secret)
		if actorID == "" || secret == "" {
			continue
		}
		if !isValidActorID(actorID) {
			return nil, fmt.Errorf("invalid actor_id %q: must be kind:name", actorID)
		}
		secrets[actorID] = secret
	}
	if len(secrets) == 0 {
		return nil, fmt.Errorf("identities file %s contains no valid actors", path)
	}
	return &AllowList{secrets: secrets}, nil
}

// Secrets returns the actor_id -> shared secret map, suitable for
// NewAuthenticator. The caller must not retain the returned map past a
// reload.
func (a *AllowList) Secrets() map[string]string {
	out := make(map[string]string, len(a.secrets))
	for k, v := range a.secrets {
		out[k] = v
	}
	return out
}

// Allowed reports whether actorID is a known, permitted principal.
func (a *AllowList) Allowed(actorID string) bool {
	_, ok := a.secrets[strings.TrimSpace(actorID)]
	return ok
}

func isValidActorID(actorID string) bool {
	kind, name, found := strings.Cut(actorID, ":")
	return found && kind != "" && name != ""
}
