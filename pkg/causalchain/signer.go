package causalchain

// Signer signs action hashes. The governance keyring implements it.
type Signer interface {
	Sign(msg []byte) ([]byte, error)
	Verify(msg, sig []byte) bool
}
