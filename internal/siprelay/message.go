// message.go builds and parses the SIP-style text framing used by Relay
// Protocol B: a start-line, a newline-delimited header block and a JSON body
// separated by a blank line. The framing is structural only; no
// interoperability with real SIP endpoints is intended.
package siprelay

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const (
	ProtocolVersion = "SIP/2.0"
	MethodMessage   = "MESSAGE"
	maxForwards     = 70
)

// Header names carried on every message.
const (
	HeaderVia           = "Via"
	HeaderMaxForwards   = "Max-Forwards"
	HeaderFrom          = "From"
	HeaderTo            = "To"
	HeaderCallID        = "Call-ID"
	HeaderCSeq          = "CSeq"
	HeaderContentType   = "Content-Type"
	HeaderContentLength = "Content-Length"
	HeaderSecurityToken = "X-Security-Token"
	HeaderEncryptionKey = "X-Encryption-Key"
	HeaderChecksum      = "X-Checksum"
)

// Message is a parsed Protocol B frame.
type Message struct {
	Method    string
	TargetURI string
	Version   string
	Headers   map[string]string
	Body      string
}

// BuiltMessage is the result of constructing an outbound frame.
type BuiltMessage struct {
	Raw     string
	CallID  string
	FromTag string
	CSeq    uint64
}

// BuildMessage constructs a frame addressed to the target role URI. The
// call identifier is unique per exchange; the sequence number is supplied
// by the caller's monotonic counter. The body checksum rides in X-Checksum;
// X-Security-Token and X-Encryption-Key carry per-message random material.
func BuildMessage(method, targetURI, fromURI string, seq uint64, checksum, body string) (*BuiltMessage, error) {
	callID := uuid.New().String() + "@medrelay.local"
	fromTag, err := randomHex(4)
	if err != nil {
		return nil, err
	}
	branch, err := randomHex(8)
	if err != nil {
		return nil, err
	}
	secToken, err := randomHex(16)
	if err != nil {
		return nil, err
	}
	keyToken, err := randomHex(16)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s\r\n", method, targetURI, ProtocolVersion)
	fmt.Fprintf(&b, "%s: %s/UDP medrelay.local;branch=z9hG4bK%s\r\n", HeaderVia, ProtocolVersion, branch)
	fmt.Fprintf(&b, "%s: %d\r\n", HeaderMaxForwards, maxForwards)
	fmt.Fprintf(&b, "%s: <%s>;tag=%s\r\n", HeaderFrom, fromURI, fromTag)
	fmt.Fprintf(&b, "%s: <%s>\r\n", HeaderTo, targetURI)
	fmt.Fprintf(&b, "%s: %s\r\n", HeaderCallID, callID)
	fmt.Fprintf(&b, "%s: %d %s\r\n", HeaderCSeq, seq, method)
	fmt.Fprintf(&b, "%s: application/json\r\n", HeaderContentType)
	fmt.Fprintf(&b, "%s: %d\r\n", HeaderContentLength, len(body))
	fmt.Fprintf(&b, "%s: %s\r\n", HeaderSecurityToken, secToken)
	fmt.Fprintf(&b, "%s: %s\r\n", HeaderEncryptionKey, keyToken)
	fmt.Fprintf(&b, "%s: %s\r\n", HeaderChecksum, checksum)
	b.WriteString("\r\n")
	b.WriteString(body)

	return &BuiltMessage{
		Raw:     b.String(),
		CallID:  callID,
		FromTag: fromTag,
		CSeq:    seq,
	}, nil
}

// Parse splits a frame into start-line, headers and body. Both CRLF and
// bare LF separators are accepted.
func Parse(raw string) (*Message, error) {
	normalized := strings.ReplaceAll(raw, "\r\n", "\n")
	headBody := strings.SplitN(normalized, "\n\n", 2)
	lines := strings.Split(headBody[0], "\n")
	if len(lines) == 0 || lines[0] == "" {
		return nil, fmt.Errorf("empty message")
	}

	startParts := strings.SplitN(lines[0], " ", 3)
	if len(startParts) != 3 {
		return nil, fmt.Errorf("malformed start-line: %q", lines[0])
	}

	msg := &Message{
		Method:    startParts[0],
		TargetURI: startParts[1],
		Version:   startParts[2],
		Headers:   make(map[string]string),
	}

	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		kv := strings.SplitN(line, ":", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("malformed header: %q", line)
		}
		msg.Headers[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
	}

	if len(headBody) == 2 {
		msg.Body = headBody[1]
	}

	if cl, ok := msg.Headers[HeaderContentLength]; ok {
		n, err := strconv.Atoi(cl)
		if err != nil {
			return nil, fmt.Errorf("malformed Content-Length: %q", cl)
		}
		if n != len(msg.Body) {
			return nil, fmt.Errorf("Content-Length %d does not match body length %d", n, len(msg.Body))
		}
	}

	return msg, nil
}

// BuildResponse constructs a status response frame for an inbound message.
func BuildResponse(code int, reason, callID string, seq string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %d %s\r\n", ProtocolVersion, code, reason)
	fmt.Fprintf(&b, "%s: %s\r\n", HeaderCallID, callID)
	if seq != "" {
		fmt.Fprintf(&b, "%s: %s\r\n", HeaderCSeq, seq)
	}
	fmt.Fprintf(&b, "%s: 0\r\n", HeaderContentLength)
	b.WriteString("\r\n")
	return b.String()
}

// RoleURI renders the SIP-style address for a role at a host:port endpoint.
func RoleURI(role, endpoint string) string {
	return fmt.Sprintf("sip:%s@%s", role, endpoint)
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", fmt.Errorf("generating random token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
