package angelone

import (
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// SmartAPI accepts standard authenticator codes.
var totpOpts = totp.ValidateOpts{
	Period:    30,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// totpCode returns value unchanged when it is already a numeric code,
// otherwise treats it as a base32 secret and derives the code for now.
func totpCode(value string, now time.Time) (string, error) {
	value = strings.TrimSpace(value)
	if isDigits(value) && len(value) >= 6 && len(value) <= 8 {
		return value, nil
	}
	secret := strings.ReplaceAll(value, " ", "")
	code, err := totp.GenerateCodeCustom(secret, now, totpOpts)
	if err != nil {
		return "", fmt.Errorf("totp secret is neither a code nor base32: %w", err)
	}
	return code, nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
