package client

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// authChallenge is the payload of a successful klogin response.
type authChallenge struct {
	Salt      string `json:"salt"`
	Challenge string `json:"challenge"`
}

// solveChallenge signs a klogin challenge for the kauth reply: the challenge
// bytes are signed with HMAC-SHA256 keyed by password||salt, and the
// signature is returned base64-encoded. The password itself never crosses
// the wire.
func solveChallenge(password string, payload json.RawMessage) (string, error) {
	var ch authChallenge
	if err := json.Unmarshal(payload, &ch); err != nil {
		return "", fmt.Errorf("decoding auth challenge: %w", err)
	}

	salt, err := base64.StdEncoding.DecodeString(ch.Salt)
	if err != nil {
		return "", fmt.Errorf("decoding challenge salt: %w", err)
	}
	challenge, err := base64.StdEncoding.DecodeString(ch.Challenge)
	if err != nil {
		return "", fmt.Errorf("decoding challenge bytes: %w", err)
	}

	mac := hmac.New(sha256.New, append([]byte(password), salt...))
	mac.Write(challenge)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}
