package fabric

// Cipher is the crypto bind point for an interface. Implementations
// frame and unframe buffer payloads in place; key material is derived
// externally, indexed by {base key, interface id, rotation}. The
// framework ships only the plaintext binding; authenticated ciphers
// (AES-CCM over HKDF-derived keys) are supplied by the hosting
// application.
type Cipher interface {
	// Encrypt seals the buffer payload for the wire using the key at
	// the given rotation index.
	Encrypt(buf *Buffer, interfaceID uint8, rotation uint32) error
	// Decrypt opens an inbound payload, returning the rotation index of
	// the key that verified it.
	Decrypt(buf *Buffer, interfaceID uint8) (rotation uint32, err error)
	// Level reports the auth level packets sealed by this cipher carry.
	Level() AuthLevel
}

// Plaintext is the no-op cipher: payloads traverse the wire unprotected
// and carry AuthNone.
type Plaintext struct{}

// Encrypt implements Cipher.
func (Plaintext) Encrypt(*Buffer, uint8, uint32) error { return nil }

// Decrypt implements Cipher.
func (Plaintext) Decrypt(*Buffer, uint8) (uint32, error) { return 0, nil }

// Level implements Cipher.
func (Plaintext) Level() AuthLevel { return AuthNone }
