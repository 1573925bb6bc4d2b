package wire

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"

	"pkt.systems/notebuf/schema"
)

// Delimiter separates routing identities from the signed message parts.
const Delimiter = "<IDS|MSG>"

// Signer computes and verifies message signatures. A signer without a key
// produces empty signatures and accepts any, matching kernels started with
// an empty key.
type Signer struct {
	scheme string
	newFn  func() hash.Hash
	key    []byte
}

// NewSigner builds a signer for a connection file signature scheme.
func NewSigner(scheme, key string) (*Signer, error) {
	if scheme == "" {
		scheme = "hmac-sha256"
	}
	var fn func() hash.Hash
	switch scheme {
	case "hmac-sha256":
		fn = sha256.New
	case "hmac-sha512":
		fn = sha512.New
	default:
		return nil, fmt.Errorf("unsupported signature scheme %q", scheme)
	}
	return &Signer{scheme: scheme, newFn: fn, key: []byte(key)}, nil
}

// Scheme returns the signature scheme name.
func (s *Signer) Scheme() string { return s.scheme }

// Sign returns the hex signature of the four message parts.
func (s *Signer) Sign(parts ...[]byte) []byte {
	if s == nil || len(s.key) == 0 {
		return nil
	}
	mac := hmac.New(s.newFn, s.key)
	for _, part := range parts {
		mac.Write(part)
	}
	sum := mac.Sum(nil)
	out := make([]byte, hex.EncodedLen(len(sum)))
	hex.Encode(out, sum)
	return out
}

// Verify checks a received signature.
func (s *Signer) Verify(signature []byte, parts ...[]byte) bool {
	if s == nil || len(s.key) == 0 {
		return true
	}
	return hmac.Equal(signature, s.Sign(parts...))
}

// Encode serializes msg into multipart frames prefixed with idents.
func Encode(signer *Signer, msg schema.Message, idents ...[]byte) ([][]byte, error) {
	header, err := json.Marshal(msg.Header)
	if err != nil {
		return nil, fmt.Errorf("encode header: %w", err)
	}
	parent, err := json.Marshal(msg.ParentHeader)
	if err != nil {
		return nil, fmt.Errorf("encode parent header: %w", err)
	}
	metadata := []byte("{}")
	if len(msg.Metadata) > 0 {
		metadata, err = json.Marshal(msg.Metadata)
		if err != nil {
			return nil, fmt.Errorf("encode metadata: %w", err)
		}
	}
	content := []byte(msg.Content)
	if len(content) == 0 {
		content = []byte("{}")
	}
	frames := make([][]byte, 0, len(idents)+6+len(msg.Buffers))
	frames = append(frames, idents...)
	frames = append(frames, []byte(Delimiter), signer.Sign(header, parent, metadata, content))
	frames = append(frames, header, parent, metadata, content)
	frames = append(frames, msg.Buffers...)
	return frames, nil
}

// Decode parses multipart frames. It returns the routing identities and the
// message; a bad signature returns schema.ErrInvalidSignature.
func Decode(signer *Signer, frames [][]byte) ([][]byte, schema.Message, error) {
	idx := -1
	for i, frame := range frames {
		if bytes.Equal(frame, []byte(Delimiter)) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, schema.Message{}, errors.New("missing message delimiter")
	}
	idents := frames[:idx]
	rest := frames[idx+1:]
	if len(rest) < 5 {
		return nil, schema.Message{}, fmt.Errorf("expected at least 5 frames after delimiter, got %d", len(rest))
	}
	signature, header, parent, metadata, content := rest[0], rest[1], rest[2], rest[3], rest[4]
	if !signer.Verify(signature, header, parent, metadata, content) {
		return nil, schema.Message{}, schema.ErrInvalidSignature
	}
	var msg schema.Message
	if err := json.Unmarshal(header, &msg.Header); err != nil {
		return nil, schema.Message{}, fmt.Errorf("decode header: %w", err)
	}
	if err := json.Unmarshal(parent, &msg.ParentHeader); err != nil {
		return nil, schema.Message{}, fmt.Errorf("decode parent header: %w", err)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &msg.Metadata); err != nil {
			return nil, schema.Message{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	msg.Content = append(json.RawMessage(nil), content...)
	for _, buf := range rest[5:] {
		msg.Buffers = append(msg.Buffers, append([]byte(nil), buf...))
	}
	return idents, msg, nil
}
