package connection

import (
	"context"
	"net/http"
	"sync"
	"time"

	flynnnoise "github.com/flynn/noise"
	"github.com/gorilla/websocket"

	"github.com/opd-ai/drop/authproto"
	"github.com/opd-ai/drop/crypto"
	"github.com/opd-ai/drop/errs"
	dropnoise "github.com/opd-ai/drop/noise"
	"github.com/opd-ai/drop/wire"
	"github.com/sirupsen/logrus"
)

// ControlHandler processes a decoded control-message Envelope received on
// a Connection's text frames.
type ControlHandler func(wire.Envelope)

// FrameHandler processes a decoded binary data Frame received on a
// Connection.
type FrameHandler func(wire.Frame)

// CloseHandler is invoked once, with the reason the Connection stopped
// (nil for a clean local Close).
type CloseHandler func(error)

type outboundMessage struct {
	messageType int
	data        []byte
	dedupKey    string
}

// Connection is one framed channel to a remote peer (spec section 4.4): a
// producer task (writePump, draining an outbound mailbox in FIFO order)
// and a consumer task (readPump, dispatching inbound frames in arrival
// order) joined by a buffered channel -- the same register/send/readPump/
// writePump mailbox shape as the pack's Altacee-dockation WebSocket Hub,
// narrowed from a broadcast hub to a single peer channel. Every binary
// frame's payload is encrypted under the post-auth Noise IK tunnel before
// it reaches the wire; text control messages ride the socket in the clear,
// since they carry no file content, only control metadata.
type Connection struct {
	PeerPublicKey [32]byte

	ws     *websocket.Conn
	cfg    Config
	logger *logrus.Entry

	sendCipher *flynnnoise.CipherState
	recvCipher *flynnnoise.CipherState

	outbound  chan outboundMessage
	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error

	onControl ControlHandler
	onFrame   FrameHandler
	onClose   CloseHandler

	dedupMu  sync.Mutex
	inflight map[string]struct{}

	admission *Admission
}

// Handlers bundles the three callbacks a Connection dispatches to once its
// pumps are running.
type Handlers struct {
	OnControl ControlHandler
	OnFrame   FrameHandler
	OnClose   CloseHandler
}

// Dial opens a WebSocket to addr, carries the AuthProtocol challenge-
// response across the upgrade (spec 4.3), then runs the Noise IK handshake
// (spec 9 / the noise package) to establish the frame-encryption tunnel,
// and finally starts the read/write pumps. peerPublicKey is the long-term
// identity the host's KeyStore resolved for this peer ahead of dialing.
func Dial(ctx context.Context, addr string, localKey *crypto.KeyPair, peerPublicKey [32]byte, cfg Config, admission *Admission, h Handlers) (*Connection, error) {
	logger := logrus.WithFields(logrus.Fields{"package": "connection", "role": "initiator", "addr": addr})

	challenge, err := authproto.NewChallenge()
	if err != nil {
		return nil, errs.Wrap(errs.KindAuthenticationFailed, err, "generate challenge")
	}

	header := http.Header{}
	authproto.SetUpgradeRequestHeaders(header, localKey.Public, challenge)

	dialer := websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}
	ws, resp, err := dialer.DialContext(ctx, addr+wire.UpgradePath, header)
	if err != nil {
		return nil, errs.Wrap(errs.KindAuthenticationFailed, err, "dial %s", addr)
	}

	peerChallenge, err := authproto.DecodeChallenge(resp.Header.Get(authproto.ChallengeHeader))
	if err != nil {
		ws.Close()
		return nil, err
	}
	peerProof, err := authproto.DecodeProof(resp.Header.Get(authproto.ProofHeader))
	if err != nil {
		ws.Close()
		return nil, err
	}
	if err := authproto.VerifyProof(localKey, peerPublicKey, challenge, peerChallenge, peerProof); err != nil {
		ws.Close()
		return nil, err
	}

	ownProof, err := authproto.ComputeProof(localKey, peerPublicKey, challenge, peerChallenge)
	if err != nil {
		ws.Close()
		return nil, err
	}
	if err := ws.WriteMessage(websocket.TextMessage, []byte(authproto.EncodeProof(ownProof))); err != nil {
		ws.Close()
		return nil, errs.Wrap(errs.KindAuthenticationFailed, err, "send initiator proof")
	}

	sendCipher, recvCipher, err := runNoiseInitiator(ws, localKey, peerPublicKey, cfg.HandshakeTimeout)
	if err != nil {
		ws.Close()
		return nil, err
	}

	c := newConnection(ws, cfg, peerPublicKey, sendCipher, recvCipher, admission, h, logger)
	c.start()
	return c, nil
}

// Accept performs the responder side of the upgrade for a request an
// http.Server handler received: it reads the initiator's public key and
// challenge from r's headers, answers with its own challenge+proof,
// upgrades the connection, reads the initiator's first text message as its
// proof, verifies it, then runs the Noise IK responder handshake.
func Accept(w http.ResponseWriter, r *http.Request, upgrader websocket.Upgrader, localKey *crypto.KeyPair, verifier *authproto.Verifier, cfg Config, admission *Admission, h Handlers) (*Connection, error) {
	logger := logrus.WithFields(logrus.Fields{"package": "connection", "role": "responder", "remote": r.RemoteAddr})

	peerPublicKey, err := authproto.DecodePublicKey(r.Header.Get(authproto.PublicKeyHeader))
	if err != nil {
		return nil, err
	}
	peerChallenge, err := authproto.DecodeChallenge(r.Header.Get(authproto.ChallengeHeader))
	if err != nil {
		return nil, err
	}

	ownChallenge, err := authproto.NewChallenge()
	if err != nil {
		return nil, errs.Wrap(errs.KindAuthenticationFailed, err, "generate challenge")
	}
	ownProof, err := authproto.ComputeProof(localKey, peerPublicKey, ownChallenge, peerChallenge)
	if err != nil {
		return nil, err
	}

	responseHeader := http.Header{}
	authproto.SetUpgradeResponseHeaders(responseHeader, localKey.Public, ownChallenge, ownProof)

	ws, err := upgrader.Upgrade(w, r, responseHeader)
	if err != nil {
		return nil, errs.Wrap(errs.KindAuthenticationFailed, err, "upgrade from %s", r.RemoteAddr)
	}

	ws.SetReadDeadline(time.Now().Add(cfg.HandshakeTimeout))
	_, msg, err := ws.ReadMessage()
	if err != nil {
		ws.Close()
		return nil, errs.Wrap(errs.KindAuthenticationFailed, err, "read initiator proof")
	}
	peerProof, err := authproto.DecodeProof(string(msg))
	if err != nil {
		ws.Close()
		return nil, err
	}
	if err := verifier.Verify(peerPublicKey, ownChallenge, peerChallenge, peerProof); err != nil {
		ws.Close()
		return nil, err
	}

	sendCipher, recvCipher, err := runNoiseResponder(ws, localKey, cfg.HandshakeTimeout)
	if err != nil {
		ws.Close()
		return nil, err
	}

	c := newConnection(ws, cfg, peerPublicKey, sendCipher, recvCipher, admission, h, logger)
	c.start()
	return c, nil
}

func newConnection(ws *websocket.Conn, cfg Config, peerPublicKey [32]byte, sendCipher, recvCipher *flynnnoise.CipherState, admission *Admission, h Handlers, logger *logrus.Entry) *Connection {
	return &Connection{
		PeerPublicKey: peerPublicKey,
		ws:            ws,
		cfg:           cfg,
		logger:        logger,
		sendCipher:    sendCipher,
		recvCipher:    recvCipher,
		outbound:      make(chan outboundMessage, cfg.OutboundQueueDepth),
		closed:        make(chan struct{}),
		onControl:     h.OnControl,
		onFrame:       h.OnFrame,
		onClose:       h.OnClose,
		inflight:      make(map[string]struct{}),
		admission:     admission,
	}
}

func (c *Connection) start() {
	c.ws.SetReadLimit(c.cfg.MaxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
		return nil
	})
	go c.readPump()
	go c.writePump()
}

// SendControl marshals payload as kind's envelope and enqueues it for
// delivery as a text frame, in FIFO order with every other queued message.
// dedupKey, if non-empty, implements the single-flight rule of spec 4.4:
// an identical dedupKey already queued is dropped rather than duplicated.
func (c *Connection) SendControl(kind wire.Kind, payload any, dedupKey string) error {
	data, err := wire.Encode(kind, payload)
	if err != nil {
		return err
	}
	return c.enqueue(outboundMessage{messageType: websocket.TextMessage, data: data, dedupKey: dedupKey})
}

// SendFrame encrypts f.Payload under the session tunnel's send cipher,
// encodes the binary frame, and enqueues it for delivery.
func (c *Connection) SendFrame(f wire.Frame) error {
	ciphertext, err := c.sendCipher.Encrypt(nil, nil, f.Payload)
	if err != nil {
		return errs.Wrap(errs.KindIoError, err, "encrypt frame payload")
	}
	f.Payload = ciphertext
	data, err := wire.EncodeFrame(f)
	if err != nil {
		return errs.Wrap(errs.KindIoError, err, "encode frame")
	}
	return c.enqueue(outboundMessage{messageType: websocket.BinaryMessage, data: data})
}

func (c *Connection) enqueue(m outboundMessage) error {
	if m.dedupKey != "" {
		c.dedupMu.Lock()
		if _, ok := c.inflight[m.dedupKey]; ok {
			c.dedupMu.Unlock()
			return nil // single-flight: duplicate outbound dropped
		}
		c.inflight[m.dedupKey] = struct{}{}
		c.dedupMu.Unlock()
	}
	select {
	case c.outbound <- m:
		return nil
	case <-c.closed:
		return errs.New(errs.KindConnectionClosedByPeer, "connection closed")
	}
}

// clearDedup removes a dedup key once its message has actually been
// written, so a later legitimate re-send (e.g. after the peer's state
// resets) is not permanently suppressed.
func (c *Connection) clearDedup(key string) {
	if key == "" {
		return
	}
	c.dedupMu.Lock()
	delete(c.inflight, key)
	c.dedupMu.Unlock()
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	defer c.ws.Close()

	for {
		select {
		case m, ok := <-c.outbound:
			if !ok {
				return
			}
			c.ws.SetWriteDeadline(time.Now().Add(c.cfg.PongTimeout))
			err := c.ws.WriteMessage(m.messageType, m.data)
			c.clearDedup(m.dedupKey)
			if err != nil {
				c.fail(errs.Wrap(errs.KindConnectionClosedByPeer, err, "write message"))
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.cfg.PongTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.fail(errs.Wrap(errs.KindConnectionClosedByPeer, err, "send ping"))
				return
			}
		case <-c.closed:
			c.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

func (c *Connection) readPump() {
	defer c.Close()

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			c.fail(errs.Wrap(errs.KindConnectionClosedByPeer, err, "read message"))
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))

		if c.admission != nil {
			peerKey := peerDedupKey(c.PeerPublicKey)
			if err := c.admission.Allow(peerKey); err != nil {
				c.logger.WithError(err).Warn("admission rejected inbound message")
				continue
			}
		}

		switch messageType {
		case websocket.TextMessage:
			env, err := wire.DecodeEnvelope(data)
			if err != nil {
				c.logger.WithError(err).Warn("malformed control envelope")
				continue
			}
			if c.onControl != nil {
				c.onControl(env)
			}
		case websocket.BinaryMessage:
			frame, err := wire.DecodeFrame(data)
			if err != nil {
				c.logger.WithError(err).Warn("malformed binary frame")
				continue
			}
			plaintext, err := c.recvCipher.Decrypt(nil, nil, frame.Payload)
			if err != nil {
				c.logger.WithError(err).Warn("frame decryption failed")
				continue
			}
			frame.Payload = plaintext
			if c.onFrame != nil {
				c.onFrame(frame)
			}
		}
	}
}

func (c *Connection) fail(err error) {
	c.closeOnce.Do(func() {
		c.closeErr = err
		close(c.closed)
		if c.onClose != nil {
			c.onClose(err)
		}
	})
}

// Close tears the Connection down cleanly, with no error reported to
// OnClose.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.onClose != nil {
			c.onClose(nil)
		}
	})
	return c.ws.Close()
}

func peerDedupKey(pub [32]byte) string {
	return string(pub[:])
}

// runNoiseInitiator performs the two-message IK exchange as the connection
// initiator, returning the send/receive ciphers for the frame tunnel.
func runNoiseInitiator(ws *websocket.Conn, localKey *crypto.KeyPair, peerPublicKey [32]byte, timeout time.Duration) (*flynnnoise.CipherState, *flynnnoise.CipherState, error) {
	hs, err := dropnoise.NewIKHandshake(localKey.Private[:], peerPublicKey[:], dropnoise.Initiator)
	if err != nil {
		return nil, nil, errs.Wrap(errs.KindAuthenticationFailed, err, "init noise handshake")
	}

	msg1, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, nil, errs.Wrap(errs.KindAuthenticationFailed, err, "write noise message 1")
	}
	ws.SetWriteDeadline(time.Now().Add(timeout))
	if err := ws.WriteMessage(websocket.BinaryMessage, msg1); err != nil {
		return nil, nil, errs.Wrap(errs.KindAuthenticationFailed, err, "send noise message 1")
	}

	ws.SetReadDeadline(time.Now().Add(timeout))
	_, msg2, err := ws.ReadMessage()
	if err != nil {
		return nil, nil, errs.Wrap(errs.KindAuthenticationFailed, err, "read noise message 2")
	}
	if _, _, err := hs.ReadMessage(msg2); err != nil {
		return nil, nil, errs.Wrap(errs.KindAuthenticationFailed, err, "read noise response")
	}

	return hs.GetCipherStates()
}

// runNoiseResponder performs the responder half of the IK exchange.
func runNoiseResponder(ws *websocket.Conn, localKey *crypto.KeyPair, timeout time.Duration) (*flynnnoise.CipherState, *flynnnoise.CipherState, error) {
	hs, err := dropnoise.NewIKHandshake(localKey.Private[:], nil, dropnoise.Responder)
	if err != nil {
		return nil, nil, errs.Wrap(errs.KindAuthenticationFailed, err, "init noise handshake")
	}

	ws.SetReadDeadline(time.Now().Add(timeout))
	_, msg1, err := ws.ReadMessage()
	if err != nil {
		return nil, nil, errs.Wrap(errs.KindAuthenticationFailed, err, "read noise message 1")
	}

	msg2, complete, err := hs.WriteMessage(nil, msg1)
	if err != nil {
		return nil, nil, errs.Wrap(errs.KindAuthenticationFailed, err, "process noise message 1")
	}
	if !complete {
		return nil, nil, errs.New(errs.KindAuthenticationFailed, "noise responder did not complete after one round trip")
	}

	ws.SetWriteDeadline(time.Now().Add(timeout))
	if err := ws.WriteMessage(websocket.BinaryMessage, msg2); err != nil {
		return nil, nil, errs.Wrap(errs.KindAuthenticationFailed, err, "send noise message 2")
	}

	return hs.GetCipherStates()
}
