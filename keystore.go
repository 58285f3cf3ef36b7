package drop

import "github.com/opd-ai/drop/crypto"

// KeyStore is the host callback supplying this engine's long-term identity
// key and resolving a peer address to its long-term public key, per spec
// section 6: "KeyStore.privkey()/on_pubkey(peer)". Identity management
// itself -- where keys come from, how peers are introduced -- is explicitly
// a host concern (spec section 1's out-of-scope collaborators).
type KeyStore interface {
	// Privkey returns this engine's long-term X25519 identity key pair.
	Privkey() (*crypto.KeyPair, error)
	// OnPubkey resolves peer (its canonical address in text form, per spec
	// section 3's Peer data model) to the long-term public key the engine
	// must authenticate against when dialing or accepting a connection
	// from it.
	OnPubkey(peer string) ([32]byte, error)
}
