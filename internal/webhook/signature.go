package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/rs/zerolog/log"
)

// VerifySignature checks a GitHub webhook payload against its
// X-Hub-Signature-256 header.
func VerifySignature(payload []byte, headerSignature string, secret string) bool {
	const signaturePrefix = "sha256="
	const signatureLength = 64 // hex sha256
	sigLength := len(signaturePrefix) + signatureLength

	if secret == "" {
		log.Error().Msg("Empty webhook secret")
		return false
	}

	if len(headerSignature) == 0 {
		log.Error().Msg("signature header has no value - did you forget to configure the webhook secret in github?")
		return false
	}

	if len(headerSignature) != sigLength {
		log.Error().Msgf("signature '%s' is not %d chars long - assuming the signature is bad", headerSignature, sigLength)
		return false
	}

	if !strings.HasPrefix(headerSignature, signaturePrefix) {
		log.Error().Msgf("signature has invalid format: %s", headerSignature)
		return false
	}

	signature := headerSignature[len(signaturePrefix):]
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expectedSignature := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(signature), []byte(expectedSignature))
}
