package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"PlatesRelay/tools/errs"
)

// Validator verifies "<userId>:<hex hmac-sha256(secret, userId)>" tokens.
// It holds no state besides the secret and is safe for concurrent use.
type Validator struct {
	secret []byte
}

func NewValidator(secret []byte) (*Validator, error) {
	if len(secret) == 0 {
		return nil, errs.ErrSecretMissing.Wrap()
	}
	s := make([]byte, len(secret))
	copy(s, secret)
	return &Validator{secret: s}, nil
}

// Sign returns the hex signature for a user id string.
func (v *Validator) Sign(userID string) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(userID))
	return hex.EncodeToString(mac.Sum(nil))
}

// Token builds a full credential for userID.
func (v *Validator) Token(userID int64) string {
	id := strconv.FormatInt(userID, 10)
	return id + ":" + v.Sign(id)
}

// Validate returns the user id carried by token, or ok=false when the token
// is malformed, the id is not numeric, or the signature does not match.
func (v *Validator) Validate(token string) (userID int64, ok bool) {
	idPart, sigPart, found := strings.Cut(token, ":")
	if !found || idPart == "" || sigPart == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil {
		return 0, false
	}
	given, err := hex.DecodeString(sigPart)
	if err != nil {
		return 0, false
	}
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(idPart))
	if !hmac.Equal(mac.Sum(nil), given) {
		return 0, false
	}
	// only the canonical lowercase encoding is accepted
	if strings.ToLower(sigPart) != sigPart {
		return 0, false
	}
	return id, true
}
