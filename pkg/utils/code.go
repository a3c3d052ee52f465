package utils

import (
	"crypto/rand"
	"math/big"
	"regexp"
)

// CodeCharset is the alphabet of session codes.
const CodeCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// CodeLength is the length of a session code.
const CodeLength = 8

var codePattern = regexp.MustCompile(`^[A-Za-z0-9]{8}$`)

// GenerateCode returns a random code of length characters from CodeCharset.
func GenerateCode(length int) (string, error) {
	result := make([]byte, length)
	limit := big.NewInt(int64(len(CodeCharset)))

	for i := range result {
		num, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		result[i] = CodeCharset[num.Int64()]
	}

	return string(result), nil
}

// IsValidCode validates that a code is exactly CodeLength alphanumeric characters
func IsValidCode(code string) bool {
	return codePattern.MatchString(code)
}
