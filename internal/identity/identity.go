package identity

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
)

var ErrInvalidPublicKey = errors.New("invalid public key")

// Verifier confirms an agent's identity at registration time.
// Verification itself happens upstream; implementations here only
// attest that it ran.
type Verifier interface {
	Verify(ctx context.Context, publicKey string) error
}

// StaticVerifier accepts every well-formed public key. It stands in for
// the upstream identity service, which is assumed to have already
// verified the agent before registration reaches this engine.
type StaticVerifier struct {
	log zerolog.Logger
}

// NewStaticVerifier creates a verifier that accepts all non-empty keys.
func NewStaticVerifier(log zerolog.Logger) *StaticVerifier {
	return &StaticVerifier{log: log}
}

// Verify rejects only structurally invalid keys.
func (v *StaticVerifier) Verify(ctx context.Context, publicKey string) error {
	if publicKey == "" {
		return ErrInvalidPublicKey
	}
	v.log.Debug().Str("public_key", publicKey).Msg("Identity accepted")
	return nil
}
