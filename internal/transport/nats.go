package transport

import (
	"context"
	"crypto/ecdsa"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"bridge-agent/internal/agent"
	"bridge-agent/internal/metrics"
)

// Message headers carried next to the raw payload.
const (
	HeaderSrcChain  = "Bridge-Src-Chain"
	HeaderPath      = "Bridge-Path"
	HeaderRefundee  = "Bridge-Refundee"
	HeaderGasLimit  = "Bridge-Gas-Limit"
	HeaderRemoteGas = "Bridge-Remote-Gas"
	HeaderValue     = "Bridge-Value"
	// HeaderSignature is the relayer's signature over the source chain,
	// path, value and payload.
	HeaderSignature = "Bridge-Signature"
)

var (
	ErrBadHeader = errors.New("transport: bad message header")
	// ErrForgedMessage is returned for a message not signed by the
	// endpoint the receiving agent trusts.
	ErrForgedMessage = errors.New("transport: message not signed by the endpoint")
)

// Publisher is the part of clients.NATSClient the transport publishes
// through.
type Publisher interface {
	Publish(ctx context.Context, msg *nats.Msg) error
}

// Subscriber is the part of clients.NATSClient Serve needs.
type Subscriber interface {
	Subscribe(subject, durable string, handler nats.MsgHandler) (*nats.Subscription, error)
}

// NATSTransport publishes envelopes of agents living on ChainID to
// <prefix>.<dstChain>.<dstAgent>, signed with key.
type NATSTransport struct {
	pub     Publisher
	prefix  string
	chainID uint16
	key     *ecdsa.PrivateKey
	log     *logrus.Logger
}

func NewNATSTransport(pub Publisher, prefix string, chainID uint16, key *ecdsa.PrivateKey, log *logrus.Logger) *NATSTransport {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if prefix == "" {
		prefix = "bridge"
	}
	return &NATSTransport{pub: pub, prefix: prefix, chainID: chainID, key: key, log: log}
}

// Subject is where messages for agent on chainID are published.
func Subject(prefix string, chainID uint16, agentAddr common.Address) string {
	return fmt.Sprintf("%s.%d.%s", prefix, chainID, strings.ToLower(agentAddr.Hex()))
}

func (t *NATSTransport) Send(ctx context.Context, env agent.Envelope) error {
	if len(env.Path) != agent.PathLen {
		return fmt.Errorf("%w: length %d", ErrInvalidPath, len(env.Path))
	}
	dst := common.BytesToAddress(env.Path[:common.AddressLength])
	msg := EncodeEnvelope(Subject(t.prefix, env.DstChainID, dst), t.chainID, env)
	if err := Sign(msg, t.key); err != nil {
		return err
	}
	if err := t.pub.Publish(ctx, msg); err != nil {
		t.log.WithError(err).WithFields(logrus.Fields{
			"subject":   msg.Subject,
			"dst_chain": env.DstChainID,
		}).Error("❌ Failed to publish envelope")
		return err
	}
	t.log.WithFields(logrus.Fields{
		"subject": msg.Subject,
		"bytes":   len(env.Payload),
	}).Debug("📤 Envelope published")
	return nil
}

// EncodeEnvelope builds the unsigned NATS message for env sent from
// srcChainID.
func EncodeEnvelope(subject string, srcChainID uint16, env agent.Envelope) *nats.Msg {
	msg := nats.NewMsg(subject)
	msg.Data = env.Payload
	msg.Header.Set(HeaderSrcChain, strconv.Itoa(int(srcChainID)))
	msg.Header.Set(HeaderPath, hexutil.Encode(env.Path))
	msg.Header.Set(HeaderRefundee, env.Refundee.Hex())
	gas := env.Gas.Clone()
	msg.Header.Set(HeaderGasLimit, gas.GasLimit.String())
	msg.Header.Set(HeaderRemoteGas, gas.RemoteBranchExecutionGas.String())
	return msg
}

// Sign sets HeaderSignature on msg. Headers covered by the signature must
// not change afterwards.
func Sign(msg *nats.Msg, key *ecdsa.PrivateKey) error {
	if key == nil {
		return errors.New("transport: no signing key")
	}
	h, err := parseHeaders(msg)
	if err != nil {
		return err
	}
	sig, err := crypto.Sign(h.digest(msg.Data), key)
	if err != nil {
		return fmt.Errorf("sign envelope: %w", err)
	}
	msg.Header.Set(HeaderSignature, hexutil.Encode(sig))
	return nil
}

type signedHeaders struct {
	src   uint16
	path  []byte
	value *big.Int
}

func parseHeaders(msg *nats.Msg) (signedHeaders, error) {
	if msg.Header == nil {
		return signedHeaders{}, fmt.Errorf("%w: missing headers", ErrBadHeader)
	}
	src, err := strconv.ParseUint(msg.Header.Get(HeaderSrcChain), 10, 16)
	if err != nil {
		return signedHeaders{}, fmt.Errorf("%w: %s: %v", ErrBadHeader, HeaderSrcChain, err)
	}
	path, err := hexutil.Decode(msg.Header.Get(HeaderPath))
	if err != nil || len(path) != agent.PathLen {
		return signedHeaders{}, fmt.Errorf("%w: %s", ErrBadHeader, HeaderPath)
	}
	h := signedHeaders{src: uint16(src), path: path}
	if v := msg.Header.Get(HeaderValue); v != "" {
		value, ok := new(big.Int).SetString(v, 10)
		if !ok || value.Sign() < 0 || value.BitLen() > 256 {
			return signedHeaders{}, fmt.Errorf("%w: %s", ErrBadHeader, HeaderValue)
		}
		h.value = value
	}
	return h, nil
}

// digest is keccak256(srcChain ‖ path ‖ value ‖ payload) with the chain
// id as two big-endian bytes and the value as a 32-byte word.
func (h signedHeaders) digest(payload []byte) []byte {
	var src [2]byte
	binary.BigEndian.PutUint16(src[:], h.src)
	var value common.Hash
	if h.value != nil {
		value = common.BigToHash(h.value)
	}
	return crypto.Keccak256(src[:], h.path, value.Bytes(), payload)
}

// DecodeDelivery turns a received message into a delivery. The message
// must be signed by endpoint, the relayer the receiving agent trusts; the
// recovered signer becomes the delivery's endpoint.
func DecodeDelivery(msg *nats.Msg, endpoint common.Address) (agent.Delivery, error) {
	h, err := parseHeaders(msg)
	if err != nil {
		return agent.Delivery{}, err
	}
	sig, err := hexutil.Decode(msg.Header.Get(HeaderSignature))
	if err != nil || len(sig) != crypto.SignatureLength {
		return agent.Delivery{}, fmt.Errorf("%w: missing or malformed %s", ErrForgedMessage, HeaderSignature)
	}
	pub, err := crypto.SigToPub(h.digest(msg.Data), sig)
	if err != nil {
		return agent.Delivery{}, fmt.Errorf("%w: %v", ErrForgedMessage, err)
	}
	signer := crypto.PubkeyToAddress(*pub)
	if signer != endpoint {
		return agent.Delivery{}, fmt.Errorf("%w: signed by %s", ErrForgedMessage, signer.Hex())
	}
	return agent.Delivery{
		Endpoint:   signer,
		SrcChainID: h.src,
		Path:       SwapPath(h.path),
		Payload:    append([]byte(nil), msg.Data...),
		Value:      h.value,
	}, nil
}

// Serve subscribes receiver, the agent at self on chainID, to its subject.
// Every message is acknowledged after Receive: execution failures are
// settled through the protocol's own retry and fallback paths.
func Serve(sub Subscriber, prefix string, chainID uint16, self, endpoint common.Address,
	receiver agent.Receiver, log *logrus.Logger) (*nats.Subscription, error) {
	if prefix == "" {
		prefix = "bridge"
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	subject := Subject(prefix, chainID, self)
	durable := fmt.Sprintf("agent-%d-%s", chainID, strings.ToLower(self.Hex()[2:10]))

	return sub.Subscribe(subject, durable, func(msg *nats.Msg) {
		d, err := DecodeDelivery(msg, endpoint)
		if err != nil {
			code := "bad_header"
			if errors.Is(err, ErrForgedMessage) {
				code = "forged"
			}
			log.WithError(err).WithField("subject", msg.Subject).Error("❌ Dropping undecodable message")
			metrics.MessagesFailed.WithLabelValues("transport", "unknown", code).Inc()
			ack(msg, log)
			return
		}
		rc := receiver.Receive(context.Background(), d)
		fields := logrus.Fields{
			"src_chain": rc.SrcChainID,
			"flag":      rc.Flag.String(),
			"nonce":     rc.Nonce,
		}
		if rc.Err != nil {
			log.WithError(rc.Err).WithFields(fields).Warn("⚠️ Delivery rolled back")
		} else {
			log.WithFields(fields).Info("📨 Delivery processed")
		}
		ack(msg, log)
	})
}

func ack(msg *nats.Msg, log *logrus.Logger) {
	if msg.Reply == "" {
		return
	}
	if err := msg.Ack(); err != nil && !errors.Is(err, nats.ErrMsgNoReply) {
		log.WithError(err).Warn("⚠️ Failed to ack message")
	}
}
