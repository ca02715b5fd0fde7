// Package crypto derives the SQLCipher keys of the notes replicas from one
// master key using HKDF-SHA256, so every replica file gets its own key:
// info = "notesync:" + purpose + ":v" + version
package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the size of a derived store key in bytes (256 bits)
	KeySize = 32

	// MinMasterKeySize is the smallest accepted master key.
	MinMasterKeySize = 32

	// KeyVersion is bumped when the derivation changes.
	KeyVersion = 1
)

// Key purposes.
const (
	PurposeLocal    = "local"
	PurposeSnapshot = "snapshot"
)

// DeriveStoreKey derives the key of one replica file from the master key.
//
// Parameters:
//   - masterKey: The root secret (high-entropy, at least MinMasterKeySize bytes)
//   - purpose: PurposeLocal or PurposeSnapshot
//
// Returns:
//   - []byte: A KeySize key derived deterministically from the inputs
func DeriveStoreKey(masterKey []byte, purpose string) []byte {
	info := fmt.Sprintf("notesync:%s:v%d", purpose, KeyVersion)

	// Salt is nil - using a random master key is sufficient for our use case
	hkdfReader := hkdf.New(sha256.New, masterKey, nil, []byte(info))

	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdfReader, key); err != nil {
		// HKDF should never fail to produce output for valid inputs
		panic(fmt.Sprintf("HKDF failed: %v", err))
	}
	return key
}

// ParseMasterKey decodes a hex master key. An empty string means no
// encryption and returns nil.
func ParseMasterKey(value string) ([]byte, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("master key must be hex encoded: %w", err)
	}
	if len(key) < MinMasterKeySize {
		return nil, fmt.Errorf("master key must be at least %d bytes, got %d", MinMasterKeySize, len(key))
	}
	return key, nil
}

// StoreKeys returns the local and snapshot keys for a master key, or two nil
// keys when masterKey is nil.
func StoreKeys(masterKey []byte) (local, snapshot []byte) {
	if masterKey == nil {
		return nil, nil
	}
	return DeriveStoreKey(masterKey, PurposeLocal), DeriveStoreKey(masterKey, PurposeSnapshot)
}
