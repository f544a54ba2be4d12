package controlchannel

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

// maxFrameSize bounds a single control-channel frame; a request or response
// larger than this is almost certainly a protocol error, not a legitimate
// large queue dump.
const maxFrameSize = 16 * 1024 * 1024

// KeyPair is a NaCl box keypair. Public is derived from Private via
// Curve25519 scalar multiplication, exactly as box.GenerateKey would produce.
type KeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// NewKeyPair generates a fresh keypair, used by clients that don't have a
// long-lived identity (every connection gets an ephemeral one).
func NewKeyPair() (*KeyPair, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate control-channel keypair: %w", err)
	}
	return &KeyPair{Public: *pub, Private: *priv}, nil
}

// KeyPairFromPrivate derives a keypair's public half from a 32-byte private
// key, the form the server's static identity is provided in (via
// QSERVER_ZMQ_PRIVATE_KEY).
func KeyPairFromPrivate(private [32]byte) *KeyPair {
	var pub [32]byte
	curve25519.ScalarBaseMult(&pub, &private)
	return &KeyPair{Public: pub, Private: private}
}

// readFrame reads one length-prefixed frame: a 4-byte big-endian length
// followed by that many bytes of payload.
func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds max %d", n, maxFrameSize)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// writeFrame writes one length-prefixed frame.
func writeFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// SecureConn wraps a net.Conn, transparently sealing/opening every frame
// with NaCl box when a server keypair is configured, and falling back to
// plain length-prefixed frames (the documented unencrypted mode)
// when it is not.
type SecureConn struct {
	conn net.Conn

	encrypted bool
	local     *KeyPair
	remotePub [32]byte
	sendNonce uint64
	recvNonce uint64
	isServer  bool
}

// nonceFor derives a 24-byte nonce from a monotonic counter and the
// direction of travel, so client->server and server->client frames never
// reuse a nonce against the same shared key.
func nonceFor(counter uint64, fromServer bool) *[24]byte {
	var nonce [24]byte
	if fromServer {
		nonce[0] = 1
	}
	binary.BigEndian.PutUint64(nonce[16:], counter)
	return &nonce
}

// handshakeServer performs the server side of the key exchange: send our
// public key, then read the client's.
func handshakeServer(conn net.Conn, local *KeyPair) (*SecureConn, error) {
	if err := writeFrame(conn, local.Public[:]); err != nil {
		return nil, fmt.Errorf("failed to send server public key: %w", err)
	}
	clientPub, err := readFrame(conn)
	if err != nil {
		return nil, fmt.Errorf("failed to read client public key: %w", err)
	}
	if len(clientPub) != 32 {
		return nil, fmt.Errorf("malformed client public key (%d bytes)", len(clientPub))
	}
	sc := &SecureConn{conn: conn, encrypted: true, local: local, isServer: true}
	copy(sc.remotePub[:], clientPub)
	return sc, nil
}

// handshakeClient performs the client side of the key exchange.
func handshakeClient(conn net.Conn, local *KeyPair) (*SecureConn, error) {
	serverPub, err := readFrame(conn)
	if err != nil {
		return nil, fmt.Errorf("failed to read server public key: %w", err)
	}
	if len(serverPub) != 32 {
		return nil, fmt.Errorf("malformed server public key (%d bytes)", len(serverPub))
	}
	if err := writeFrame(conn, local.Public[:]); err != nil {
		return nil, fmt.Errorf("failed to send client public key: %w", err)
	}
	sc := &SecureConn{conn: conn, encrypted: true, local: local, isServer: false}
	copy(sc.remotePub[:], serverPub)
	return sc, nil
}

// NewPlainConn wraps conn with no encryption: the unencrypted mode used
// when no key pair is configured.
func NewPlainConn(conn net.Conn) *SecureConn {
	return &SecureConn{conn: conn, encrypted: false}
}

// DialSecure performs the client side of the NaCl box handshake over an
// already-connected conn, using local as the client's (typically ephemeral)
// keypair.
func DialSecure(conn net.Conn, local *KeyPair) (*SecureConn, error) {
	return handshakeClient(conn, local)
}

func (sc *SecureConn) ReadMessage() ([]byte, error) {
	frame, err := readFrame(sc.conn)
	if err != nil {
		return nil, err
	}
	if !sc.encrypted {
		return frame, nil
	}
	nonce := nonceFor(sc.recvNonce, !sc.isServer)
	sc.recvNonce++
	plain, okOpen := box.Open(nil, frame, nonce, &sc.remotePub, &sc.local.Private)
	if !okOpen {
		return nil, fmt.Errorf("failed to decrypt control-channel frame")
	}
	return plain, nil
}

func (sc *SecureConn) WriteMessage(payload []byte) error {
	if !sc.encrypted {
		return writeFrame(sc.conn, payload)
	}
	nonce := nonceFor(sc.sendNonce, sc.isServer)
	sc.sendNonce++
	sealed := box.Seal(nil, payload, nonce, &sc.remotePub, &sc.local.Private)
	return writeFrame(sc.conn, sealed)
}

func (sc *SecureConn) Close() error { return sc.conn.Close() }
