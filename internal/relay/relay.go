// Package relay implements Relay Protocol A: point-to-point encrypted JSON
// exchange between two named server instances over HTTPS, authenticated by
// a pre-shared API key per server pair and integrity-checked end to end.
package relay

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/medrelay-project/medrelay/internal/audit"
	"github.com/medrelay-project/medrelay/internal/config"
	"github.com/medrelay-project/medrelay/internal/core"
	"github.com/medrelay-project/medrelay/internal/seal"
)

// APIKeyHeader carries the pre-shared key on the receive endpoint.
const APIKeyHeader = "X-API-Key"

// ReceiveResponse is the body returned by the receive endpoint.
type ReceiveResponse struct {
	Status string `json:"status"`
	ID     string `json:"id,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Relay moves encrypted payloads between this server and its configured peers.
type Relay struct {
	serverID string
	apiKey   string // key presented by peers sending to us
	peers    map[string]config.Peer
	sealer   *seal.Sealer
	store    *Store
	client   *http.Client
	sink     audit.Sink
	log      zerolog.Logger
	now      func() time.Time
}

// New creates a relay for this server instance.
func New(cfg config.Config, sealer *seal.Sealer, store *Store, sink audit.Sink, log zerolog.Logger) *Relay {
	return &Relay{
		serverID: cfg.ServerID,
		apiKey:   cfg.ReceiveAPIKey,
		peers:    cfg.Peers,
		sealer:   sealer,
		store:    store,
		client:   &http.Client{Timeout: cfg.RelayTimeout()},
		sink:     sink,
		log:      log,
		now:      time.Now,
	}
}

// SetClock overrides the time source (tests).
func (r *Relay) SetClock(now func() time.Time) { r.now = now }

// Send encrypts the payload and delivers it to the target server's receive
// endpoint. Network I/O is bounded by the configured relay timeout; a
// deadline hit surfaces as RelayTimeout, other failures as
// RelayTransportError.
func (r *Relay) Send(ctx context.Context, targetServerID string, payload any, dataType string) (*ReceiveResponse, error) {
	peer, ok := r.peers[targetServerID]
	if !ok {
		return nil, &core.NotFoundError{Kind: "peer", ID: targetServerID}
	}

	ciphertext, err := r.sealer.EncryptJSON(payload)
	if err != nil {
		return nil, fmt.Errorf("encrypting payload: %w", err)
	}
	sum, err := seal.Checksum(payload)
	if err != nil {
		return nil, fmt.Errorf("checksumming payload: %w", err)
	}

	envelope := core.RelayEnvelope{
		Type:      dataType,
		Data:      ciphertext,
		Timestamp: r.now().UTC(),
		Source:    r.serverID,
		Checksum:  sum,
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("marshaling envelope: %w", err)
	}

	started := r.now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, peer.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(APIKeyHeader, peer.APIKey)

	resp, err := r.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, &core.RelayTimeout{Target: targetServerID, Elapsed: r.now().Sub(started)}
		}
		return nil, &core.RelayTransportError{Target: targetServerID, Cause: err}
	}
	defer resp.Body.Close()

	var rr ReceiveResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return nil, &core.RelayTransportError{Target: targetServerID, Cause: fmt.Errorf("malformed response: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &core.RelayTransportError{
			Target: targetServerID,
			Cause:  fmt.Errorf("remote returned %d: %s", resp.StatusCode, rr.Error),
		}
	}

	r.appendEvent(audit.EventRelaySent, core.SeverityLow, "", map[string]string{
		"target": targetServerID,
		"type":   dataType,
	})

	return &rr, nil
}

// Receive validates, decrypts and persists an inbound envelope. The
// presented API key must match this receiver's configured key exactly; a
// checksum mismatch discards the payload without partial persistence.
func (r *Relay) Receive(envelope core.RelayEnvelope, presentedAPIKey string) (*core.ReceivedDataRecord, error) {
	if r.apiKey == "" || subtle.ConstantTimeCompare([]byte(presentedAPIKey), []byte(r.apiKey)) != 1 {
		r.appendEvent(audit.EventAuthFailure, core.SeverityHigh, envelope.Source, map[string]string{
			"type": envelope.Type,
		})
		return nil, &core.AuthenticationError{Reason: "invalid API key"}
	}

	var payload any
	if err := r.sealer.DecryptJSON(envelope.Data, &payload); err != nil {
		return nil, err
	}

	if !seal.VerifyChecksum(payload, envelope.Checksum) {
		actual, _ := seal.Checksum(payload)
		r.appendEvent(audit.EventIntegrityFailure, core.SeverityHigh, envelope.Source, map[string]string{
			"type": envelope.Type,
		})
		return nil, &core.IntegrityError{Expected: envelope.Checksum, Actual: actual}
	}

	plaintext, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("re-serializing payload: %w", err)
	}

	rec := core.ReceivedDataRecord{
		Type:      envelope.Type,
		Source:    envelope.Source,
		Timestamp: envelope.Timestamp,
		Checksum:  envelope.Checksum,
		Data:      string(plaintext),
	}

	filename, err := r.store.Save(rec)
	if err != nil {
		return nil, err
	}
	rec.Filename = filename

	r.appendEvent(audit.EventRelayReceived, core.SeverityLow, envelope.Source, map[string]string{
		"type": envelope.Type,
		"file": filename,
	})

	return &rec, nil
}

// ListReceived returns all persisted records, newest first.
func (r *Relay) ListReceived() ([]core.ReceivedDataRecord, error) {
	return r.store.List()
}

// Handler exposes the receive endpoint for the route layer.
func (r *Relay) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		var envelope core.RelayEnvelope
		if err := json.NewDecoder(req.Body).Decode(&envelope); err != nil {
			writeJSON(w, http.StatusBadRequest, ReceiveResponse{Status: "error", Error: "malformed envelope"})
			return
		}

		rec, err := r.Receive(envelope, req.Header.Get(APIKeyHeader))
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, ReceiveResponse{Status: "ok", ID: rec.Filename})
		case core.IsAuthenticationError(err):
			writeJSON(w, http.StatusUnauthorized, ReceiveResponse{Status: "error", Error: "unauthorized"})
		case core.IsIntegrityError(err), isDecryptionError(err):
			writeJSON(w, http.StatusBadRequest, ReceiveResponse{Status: "error", Error: "payload rejected"})
		default:
			r.log.Error().Err(err).Msg("relay receive failed")
			writeJSON(w, http.StatusInternalServerError, ReceiveResponse{Status: "error", Error: "internal error"})
		}
	}
}

func (r *Relay) appendEvent(eventType string, severity core.Severity, source string, details map[string]string) {
	event := core.SecurityEvent{
		Timestamp: r.now().UTC(),
		Type:      eventType,
		Severity:  severity,
		Details:   details,
	}
	if source != "" {
		event.Details["source"] = source
	}
	if err := r.sink.Append(event); err != nil {
		r.log.Warn().Err(err).Str("event", eventType).Msg("audit append failed")
	}
}

func writeJSON(w http.ResponseWriter, status int, body ReceiveResponse) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

func isDecryptionError(err error) bool {
	var de *seal.DecryptionError
	return errors.As(err, &de)
}
