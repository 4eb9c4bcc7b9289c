package hashing

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/pkg/errors"
)

// DigestLength is the length of a hex encoded fingerprint
const DigestLength = sha256.Size * 2

// Fingerprint returns the lowercase hex SHA-256 of the canonical JSON
// encoding of value. Object keys are sorted, so two maps with the same
// content always produce the same fingerprint.
func Fingerprint(value interface{}) (string, error) {
	data, err := Canonicalize(value)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Canonicalize encodes value as order-stable JSON.
//
// The value is encoded once, decoded into generic maps and slices with
// numbers kept as their literal text, then encoded again. encoding/json
// writes map keys in sorted order, which removes any dependence on struct
// field or map insertion order.
func Canonicalize(value interface{}) ([]byte, error) {
	first, err := encode(value)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode value for fingerprint")
	}

	dec := json.NewDecoder(bytes.NewReader(first))
	dec.UseNumber()
	var generic interface{}
	if err := dec.Decode(&generic); err != nil {
		return nil, errors.Wrap(err, "failed to decode value for fingerprint")
	}

	out, err := encode(generic)
	if err != nil {
		return nil, errors.Wrap(err, "failed to re-encode value for fingerprint")
	}
	return out, nil
}

func encode(value interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(value); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
