// Package encryption protects snapshots in transit to a vault. Local data
// is never encrypted at rest; only the exported snapshot stream passes
// through an Encryptor on its way out and a DecryptionContext on its way
// back in.
package encryption

import "io"

// Encryptor encrypts snapshot streams for vault storage.
type Encryptor interface {
	// Setup performs one-time key generation, protecting the private key
	// with the passphrase.
	Setup(passphrase string) error

	// Encrypt reads plaintext from r and writes ciphertext to w.
	Encrypt(r io.Reader, w io.Writer) error

	// Unlock opens the private key with the passphrase and returns a
	// context capable of decrypting snapshots.
	Unlock(passphrase string) (DecryptionContext, error)

	// IsConfigured reports whether key material exists.
	IsConfigured() bool
}

// DecryptionContext holds unlocked key material for decrypting snapshots.
type DecryptionContext interface {
	Decrypt(r io.Reader, w io.Writer) error
}
