package identity

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/crypto/sha3"
)

// ErrInvalidAddress indicates a string is not a well-formed wallet address.
var ErrInvalidAddress = errors.New("identity: invalid wallet address")

var addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// ValidAddress reports whether s has the 0x-prefixed 40-hex-digit shape.
func ValidAddress(s string) bool {
	return addressPattern.MatchString(s)
}

// Normalize lowercases an address after validating its shape. Two addresses
// are the same participant iff their normalized forms match.
func Normalize(s string) (string, error) {
	if !ValidAddress(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return strings.ToLower(s), nil
}

// Checksum returns the EIP-55 mixed-case encoding of an address.
func Checksum(s string) (string, error) {
	normalized, err := Normalize(s)
	if err != nil {
		return "", err
	}

	hexPart := normalized[2:]
	hash := keccak256([]byte(hexPart))

	out := make([]byte, len(hexPart))
	for i := 0; i < len(hexPart); i++ {
		c := hexPart[i]
		if c >= 'a' && c <= 'f' {
			// Uppercase when the corresponding hash nibble is >= 8.
			nibble := hash[i/2]
			if i%2 == 0 {
				nibble >>= 4
			}
			if nibble&0x0f >= 8 {
				c = c - 'a' + 'A'
			}
		}
		out[i] = c
	}

	return "0x" + string(out), nil
}

// VerifyChecksum reports whether a mixed-case address carries a valid EIP-55
// checksum. All-lowercase and all-uppercase inputs are accepted as unchecked.
func VerifyChecksum(s string) (bool, error) {
	if !ValidAddress(s) {
		return false, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}

	hexPart := s[2:]
	if hexPart == strings.ToLower(hexPart) || hexPart == strings.ToUpper(hexPart) {
		return true, nil
	}

	expected, err := Checksum(s)
	if err != nil {
		return false, err
	}
	return s == expected, nil
}

func keccak256(data []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	return h.Sum(nil)
}
