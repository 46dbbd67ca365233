// listener.go runs the UDP side of Protocol B: it parses inbound frames,
// verifies integrity, stages the payload into the addressed role's personal
// storage and answers with a status response.
package siprelay

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/rs/zerolog"

	"github.com/medrelay-project/medrelay/internal/core"
	"github.com/medrelay-project/medrelay/internal/seal"
)

// Listener serves inbound Protocol B datagrams.
type Listener struct {
	conn     *net.UDPConn
	sealer   *seal.Sealer
	workflow *Workflow
	log      zerolog.Logger
}

// NewListener binds the UDP listener on addr.
func NewListener(addr string, sealer *seal.Sealer, wf *Workflow, log zerolog.Logger) (*Listener, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}
	return &Listener{conn: conn, sealer: sealer, workflow: wf, log: log}, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() string {
	return l.conn.LocalAddr().String()
}

// Serve reads datagrams until the listener is closed.
func (l *Listener) Serve() error {
	buf := make([]byte, 64*1024)
	for {
		n, remote, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("reading datagram: %w", err)
		}

		resp := l.HandleFrame(buf[:n])
		if _, err := l.conn.WriteToUDP([]byte(resp), remote); err != nil {
			l.log.Warn().Err(err).Stringer("remote", remote).Msg("writing response failed")
		}
	}
}

// Close shuts the listener down.
func (l *Listener) Close() error {
	return l.conn.Close()
}

// HandleFrame processes one inbound frame and returns the response frame.
func (l *Listener) HandleFrame(frame []byte) string {
	msg, err := Parse(string(frame))
	if err != nil {
		l.log.Warn().Err(err).Msg("unparseable frame")
		return BuildResponse(400, "Bad Request", "", "")
	}
	callID := msg.Headers[HeaderCallID]
	cseq := msg.Headers[HeaderCSeq]

	role, err := roleFromURI(msg.TargetURI)
	if err != nil {
		l.log.Warn().Err(err).Str("uri", msg.TargetURI).Msg("unaddressable frame")
		return BuildResponse(404, "Not Found", callID, cseq)
	}

	var body Body
	if err := json.Unmarshal([]byte(msg.Body), &body); err != nil {
		l.log.Warn().Err(err).Msg("malformed body")
		return BuildResponse(400, "Bad Request", callID, cseq)
	}

	var payload any
	if err := l.sealer.DecryptJSON(body.Data, &payload); err != nil {
		l.log.Warn().Err(err).Str("call_id", callID).Msg("decryption failed")
		return BuildResponse(403, "Forbidden", callID, cseq)
	}
	if !seal.VerifyChecksum(payload, body.Checksum) {
		l.log.Warn().Str("call_id", callID).Msg("checksum mismatch, payload discarded")
		return BuildResponse(400, "Bad Request", callID, cseq)
	}
	if hdr := msg.Headers[HeaderChecksum]; hdr != "" && hdr != body.Checksum {
		l.log.Warn().Str("call_id", callID).Msg("header checksum mismatch, payload discarded")
		return BuildResponse(400, "Bad Request", callID, cseq)
	}

	plaintext, err := json.Marshal(payload)
	if err != nil {
		return BuildResponse(500, "Server Internal Error", callID, cseq)
	}

	item := core.PersonalStorageItem{
		Type:      body.Type,
		Payload:   string(plaintext),
		Source:    core.Role(body.Source),
		Timestamp: body.Timestamp,
		Priority:  body.Priority,
		Workflow:  core.WorkflowTag(core.Role(body.Source), role),
	}
	if _, err := l.workflow.Stage(role, item); err != nil {
		l.log.Error().Err(err).Str("call_id", callID).Msg("staging inbound item failed")
		return BuildResponse(500, "Server Internal Error", callID, cseq)
	}

	l.log.Info().
		Str("call_id", callID).
		Str("role", string(role)).
		Str("type", body.Type).
		Msg("staged inbound message")
	return BuildResponse(200, "OK", callID, cseq)
}

// roleFromURI extracts the role from "sip:role@host:port".
func roleFromURI(uri string) (core.Role, error) {
	trimmed := strings.TrimPrefix(uri, "sip:")
	at := strings.IndexByte(trimmed, '@')
	if at <= 0 {
		return "", fmt.Errorf("no role in URI %q", uri)
	}
	return core.Role(trimmed[:at]), nil
}
