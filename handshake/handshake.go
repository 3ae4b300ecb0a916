package handshake

import (
	"bytes"
	"io"

	"github.com/cellhost/substrate/cellsys/cerr"
)

// Identity is a cell's long-lived static key pair, loaded once at process
// start and reused across every connection it dials or accepts.
type Identity struct {
	KeyPair
}

func NewIdentity() (Identity, error) {
	kp, err := GenerateKeyPair()
	return Identity{kp}, err
}

// Verifier decides whether a peer's static public key, learned only at the
// end of the handshake, is one this process is willing to talk to. A nil
// Verifier accepts any key (first-contact trust), matching discovery's
// capability gossip model where peers are learned, not pre-provisioned.
type Verifier func(peerPublicKey [32]byte) bool

// ClientHandshake runs the initiator side of the three-message exchange
// over rw and returns the resulting Session. payload is carried in the
// final message and is returned to the server as ServerHandshake's second
// result.
func ClientHandshake(rw io.ReadWriter, id Identity, verify Verifier, payload []byte) (*Session, error) {
	st := newSymmetricState()
	e, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	// -> e
	st.mixHash(e.Public[:])
	if err := writeMsg(rw, e.Public[:]); err != nil {
		return nil, cerr.Wrap(cerr.ConnectionReset, err, "handshake: send e")
	}

	// <- e, ee, s, es
	msg2, err := readMsg(rw)
	if err != nil {
		return nil, cerr.Wrap(cerr.ConnectionReset, err, "handshake: recv e, s")
	}
	if len(msg2) < 32 {
		return nil, cerr.New(cerr.Corruption, "handshake: message 2 too short")
	}
	var ePubR [32]byte
	copy(ePubR[:], msg2[:32])
	st.mixHash(ePubR[:])

	ee, err := dh(e.Private, ePubR)
	if err != nil {
		return nil, err
	}
	st.mixKey(ee)

	rest := msg2[32:]
	// responder's encrypted static key is exactly 32 bytes plaintext plus a
	// 16-byte Poly1305 tag once a key is established, i.e. 48 bytes.
	if len(rest) < 48 {
		return nil, cerr.New(cerr.Corruption, "handshake: message 2 missing static key")
	}
	sCipher := rest[:48]
	sPlain, err := st.decryptAndHash(sCipher)
	if err != nil {
		return nil, err
	}
	var sPubR [32]byte
	copy(sPubR[:], sPlain)

	es, err := dh(e.Private, sPubR)
	if err != nil {
		return nil, err
	}
	st.mixKey(es)

	if _, err := st.decryptAndHash(rest[48:]); err != nil {
		return nil, err
	}

	if verify != nil && !verify(sPubR) {
		return nil, cerr.New(cerr.AccessDenied, "handshake: peer static key rejected")
	}

	// -> s, se
	sCt, err := st.encryptAndHash(id.Public[:])
	if err != nil {
		return nil, err
	}
	se, err := dh(id.Private, ePubR)
	if err != nil {
		return nil, err
	}
	st.mixKey(se)
	payloadCt, err := st.encryptAndHash(payload)
	if err != nil {
		return nil, err
	}
	msg3 := append(append([]byte{}, sCt...), payloadCt...)
	if err := writeMsg(rw, msg3); err != nil {
		return nil, cerr.Wrap(cerr.ConnectionReset, err, "handshake: send s")
	}

	sendKey, recvKey := split(st.ck)
	return newSession(sendKey, recvKey, sPubR), nil
}

// ServerHandshake runs the responder side of the exchange and returns the
// resulting Session along with whatever payload the client attached to its
// final message.
func ServerHandshake(rw io.ReadWriter, id Identity, verify Verifier) (*Session, []byte, error) {
	st := newSymmetricState()

	// <- e
	msg1, err := readMsg(rw)
	if err != nil {
		return nil, nil, cerr.Wrap(cerr.ConnectionReset, err, "handshake: recv e")
	}
	if len(msg1) != 32 {
		return nil, nil, cerr.New(cerr.Corruption, "handshake: message 1 must be 32 bytes")
	}
	var ePubI [32]byte
	copy(ePubI[:], msg1)
	st.mixHash(ePubI[:])

	e, err := GenerateKeyPair()
	if err != nil {
		return nil, nil, err
	}
	st.mixHash(e.Public[:])

	ee, err := dh(e.Private, ePubI)
	if err != nil {
		return nil, nil, err
	}
	st.mixKey(ee)

	sCt, err := st.encryptAndHash(id.Public[:])
	if err != nil {
		return nil, nil, err
	}
	es, err := dh(id.Private, ePubI)
	if err != nil {
		return nil, nil, err
	}
	st.mixKey(es)
	payloadCt, err := st.encryptAndHash(nil)
	if err != nil {
		return nil, nil, err
	}

	msg2 := bytes.Join([][]byte{e.Public[:], sCt, payloadCt}, nil)
	if err := writeMsg(rw, msg2); err != nil {
		return nil, nil, cerr.Wrap(cerr.ConnectionReset, err, "handshake: send e, s")
	}

	// -> s, se
	msg3, err := readMsg(rw)
	if err != nil {
		return nil, nil, cerr.Wrap(cerr.ConnectionReset, err, "handshake: recv s")
	}
	if len(msg3) < 48 {
		return nil, nil, cerr.New(cerr.Corruption, "handshake: message 3 missing static key")
	}
	sPlain, err := st.decryptAndHash(msg3[:48])
	if err != nil {
		return nil, nil, err
	}
	var sPubI [32]byte
	copy(sPubI[:], sPlain)

	se, err := dh(e.Private, sPubI)
	if err != nil {
		return nil, nil, err
	}
	st.mixKey(se)
	payload, err := st.decryptAndHash(msg3[48:])
	if err != nil {
		return nil, nil, err
	}

	if verify != nil && !verify(sPubI) {
		return nil, nil, cerr.New(cerr.AccessDenied, "handshake: peer static key rejected")
	}

	recvKey, sendKey := split(st.ck)
	return newSession(sendKey, recvKey, sPubI), payload, nil
}
