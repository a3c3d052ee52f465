package utils

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Encode encodes a value as base64 JSON, the form session descriptions are
// stored in.
func Encode[T any](value T) (string, error) {
	data, err := EncodeJSON(value)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// Decode reverses Encode
func Decode[T any](encoded string) (T, error) {
	var result T
	if encoded == "" {
		return result, fmt.Errorf("encoded string is empty")
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return result, fmt.Errorf("failed to decode base64: %w", err)
	}
	return DecodeJSON[T](data)
}

// EncodeJSON encodes any value to JSON bytes
func EncodeJSON[T any](value T) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal value: %w", err)
	}
	return data, nil
}

// DecodeJSON decodes JSON bytes to the specified type
func DecodeJSON[T any](data []byte) (T, error) {
	var result T
	if len(data) == 0 {
		return result, fmt.Errorf("JSON data is empty")
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return result, fmt.Errorf("failed to unmarshal JSON (%d bytes): %w", len(data), err)
	}
	return result, nil
}
