package ride

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"
)

// newOTP issues a 4-digit one-time code proving rider presence at pickup.
func newOTP() string {
	n, err := rand.Int(rand.Reader, big.NewInt(10000))
	if err != nil {
		// crypto/rand failing is unrecoverable for code issuance
		panic(fmt.Sprintf("otp: %v", err))
	}
	return fmt.Sprintf("%04d", n.Int64())
}

// otpEqual compares codes in constant time.
func otpEqual(stored, submitted string) bool {
	if stored == "" || len(stored) != len(submitted) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(submitted)) == 1
}
