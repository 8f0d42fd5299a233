package signer

// KeyInfo describes an RSA signing key found on a token.
type KeyInfo struct {
	ID    string // hex encoded CKA_ID, usable as key_id
	Label string
	Bits  int
}
