// Package siprelay implements Relay Protocol B: role-addressed encrypted
// exchange over a connectionless transport with SIP-style framing, per-hop
// personal storage and the staged assignment workflow
// hospital -> admin -> tl -> analyst -> main.
package siprelay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/medrelay-project/medrelay/internal/audit"
	"github.com/medrelay-project/medrelay/internal/config"
	"github.com/medrelay-project/medrelay/internal/core"
	"github.com/medrelay-project/medrelay/internal/seal"
)

// Body is the JSON payload carried inside a Protocol B frame.
type Body struct {
	Type      string    `json:"type"`
	Data      string    `json:"data"` // hex ciphertext, nonce-prefixed
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Checksum  string    `json:"checksum"`
	Priority  string    `json:"priority,omitempty"`
}

// Messenger sends role-addressed messages and drives the assignment workflow.
type Messenger struct {
	serverID  string
	sealer    *seal.Sealer
	storage   *PersonalStorage
	workflow  *Workflow
	transport Transport
	endpoints map[string]string // role -> host:port
	seq       atomic.Uint64
	sink      audit.Sink
	log       zerolog.Logger
	now       func() time.Time
}

// NewMessenger creates a Protocol B messenger for this server instance.
func NewMessenger(cfg config.Config, sealer *seal.Sealer, storage *PersonalStorage, wf *Workflow, transport Transport, sink audit.Sink, log zerolog.Logger) *Messenger {
	return &Messenger{
		serverID:  cfg.ServerID,
		sealer:    sealer,
		storage:   storage,
		workflow:  wf,
		transport: transport,
		endpoints: cfg.RoleEndpoints,
		sink:      sink,
		log:       log,
		now:       time.Now,
	}
}

// SetClock overrides the time source (tests).
func (m *Messenger) SetClock(now func() time.Time) { m.now = now }

// SendToRole encrypts the payload, stages it in the target role's personal
// storage with the workflow tag "<from>-to-<to>", and transmits the framed
// message to the role's endpoint. Staging happens before transmission so a
// transport failure never loses the record; the error is still surfaced.
func (m *Messenger) SendToRole(ctx context.Context, payload any, fromRole, toRole core.Role, dataType, priority string) (*core.PersonalStorageItem, error) {
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling payload: %w", err)
	}

	item := core.PersonalStorageItem{
		Type:      dataType,
		Payload:   string(plaintext),
		Source:    fromRole,
		Timestamp: m.now().UTC(),
		Priority:  priority,
		Workflow:  core.WorkflowTag(fromRole, toRole),
	}
	return m.dispatch(ctx, item, fromRole, toRole)
}

// Assign looks up a staged item at fromRole, stamps assignment metadata on
// a copy and pushes it to toRole. The original stays in the sender's
// storage; the chain is strictly linear and forward-only.
func (m *Messenger) Assign(ctx context.Context, fromRole, toRole core.Role, dataID, notes string) (*core.PersonalStorageItem, error) {
	if err := ValidateTransition(fromRole, toRole); err != nil {
		return nil, err
	}

	original, err := m.storage.Get(fromRole, dataID)
	if err != nil {
		return nil, err
	}

	now := m.now().UTC()
	forwarded := original
	forwarded.ID = "" // fresh id at the destination
	forwarded.Timestamp = now
	forwarded.Workflow = core.WorkflowTag(fromRole, toRole)
	forwarded.AssignedTo = string(toRole)
	forwarded.AssignedBy = string(fromRole)
	forwarded.AssignedAt = &now
	forwarded.Notes = notes

	staged, err := m.dispatch(ctx, forwarded, fromRole, toRole)
	if err != nil {
		return staged, err
	}

	if err := m.workflow.TrackAssignment(dataID, fromRole, toRole, string(fromRole), now, notes); err != nil {
		// The forward already landed; report the bookkeeping failure rather
		// than pretending exactly-once semantics.
		return staged, err
	}

	m.appendEvent(audit.EventAssignment, core.SeverityLow, map[string]string{
		"item_id":  dataID,
		"workflow": core.WorkflowTag(fromRole, toRole),
	})
	return staged, nil
}

// GetPersonalStorage returns a role's staged items, newest first.
func (m *Messenger) GetPersonalStorage(role core.Role) ([]core.PersonalStorageItem, error) {
	return m.storage.List(role)
}

// dispatch stages the item at the destination and transmits the frame.
func (m *Messenger) dispatch(ctx context.Context, item core.PersonalStorageItem, fromRole, toRole core.Role) (*core.PersonalStorageItem, error) {
	var payload any
	if err := json.Unmarshal([]byte(item.Payload), &payload); err != nil {
		return nil, fmt.Errorf("parsing payload: %w", err)
	}

	ciphertext, err := m.sealer.EncryptJSON(payload)
	if err != nil {
		return nil, fmt.Errorf("encrypting payload: %w", err)
	}
	sum, err := seal.Checksum(payload)
	if err != nil {
		return nil, fmt.Errorf("checksumming payload: %w", err)
	}

	staged, err := m.workflow.Stage(toRole, item)
	if err != nil {
		return nil, err
	}

	endpoint, ok := m.endpoints[string(toRole)]
	if !ok {
		return &staged, &core.NotFoundError{Kind: "role endpoint", ID: string(toRole)}
	}

	body, err := json.Marshal(Body{
		Type:      item.Type,
		Data:      ciphertext,
		Timestamp: item.Timestamp,
		Source:    string(fromRole),
		Checksum:  sum,
		Priority:  item.Priority,
	})
	if err != nil {
		return &staged, fmt.Errorf("marshaling body: %w", err)
	}

	built, err := BuildMessage(
		MethodMessage,
		RoleURI(string(toRole), endpoint),
		RoleURI(string(fromRole), m.serverID+".medrelay.local"),
		m.seq.Add(1),
		sum,
		string(body),
	)
	if err != nil {
		return &staged, err
	}

	resp, err := m.transport.Exchange(ctx, endpoint, []byte(built.Raw))
	if err != nil {
		// Staged record stays; the caller may retry the transmit.
		return &staged, err
	}
	if !strings.HasPrefix(string(resp), ProtocolVersion+" 200") {
		line := strings.SplitN(string(resp), "\r\n", 2)[0]
		return &staged, &core.RelayTransportError{
			Target: endpoint,
			Cause:  fmt.Errorf("remote answered %q", line),
		}
	}

	m.appendEvent(audit.EventRelaySent, core.SeverityLow, map[string]string{
		"to_role":  string(toRole),
		"type":     item.Type,
		"call_id":  built.CallID,
		"workflow": item.Workflow,
	})
	return &staged, nil
}

func (m *Messenger) appendEvent(eventType string, severity core.Severity, details map[string]string) {
	event := core.SecurityEvent{
		Timestamp: m.now().UTC(),
		Type:      eventType,
		Severity:  severity,
		Details:   details,
	}
	if err := m.sink.Append(event); err != nil {
		m.log.Warn().Err(err).Str("event", eventType).Msg("audit append failed")
	}
}
