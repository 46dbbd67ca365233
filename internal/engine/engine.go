// Package engine wires together all MEDRELAY subsystems for one server
// instance: databases, payload sealer, audit chain, trust scorer, intrusion
// detector, both relay protocols and the session manager.
package engine

import (
	"database/sql"
	"encoding/hex"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/medrelay-project/medrelay/internal/audit"
	"github.com/medrelay-project/medrelay/internal/config"
	"github.com/medrelay-project/medrelay/internal/core"
	"github.com/medrelay-project/medrelay/internal/db"
	"github.com/medrelay-project/medrelay/internal/intrusion"
	"github.com/medrelay-project/medrelay/internal/logging"
	"github.com/medrelay-project/medrelay/internal/relay"
	"github.com/medrelay-project/medrelay/internal/seal"
	"github.com/medrelay-project/medrelay/internal/session"
	"github.com/medrelay-project/medrelay/internal/siprelay"
	"github.com/medrelay-project/medrelay/internal/trust"
)

// Engine is the central coordinator for one server instance.
type Engine struct {
	Config  config.Config
	DataDB  *sql.DB
	AuditDB *sql.DB
	Sealer  *seal.Sealer
	Audit   *audit.Logger
	Logger  zerolog.Logger

	Sessions  *session.Manager
	Trust     *trust.Scorer
	Tokens    *trust.TokenSigner
	Intrusion *intrusion.Detector
	RelayA    *relay.Relay
	RelayB    *siprelay.Messenger
	Storage   *siprelay.PersonalStorage
	Workflow  *siprelay.Workflow
}

// Open initializes all subsystems from the config and the inter-server
// shared passphrase.
func Open(cfg config.Config, passphrase string) (*Engine, error) {
	if err := db.EnsureDataDir(cfg.DataDir); err != nil {
		return nil, err
	}

	dataDB, err := db.OpenDataDB(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening data database: %w", err)
	}

	auditDB, err := db.OpenAuditDB(cfg.DataDir)
	if err != nil {
		dataDB.Close()
		return nil, fmt.Errorf("opening audit database: %w", err)
	}

	auditLog, err := audit.NewLogger(auditDB, cfg.ServerID)
	if err != nil {
		dataDB.Close()
		auditDB.Close()
		return nil, fmt.Errorf("creating audit logger: %w", err)
	}

	salt, err := hex.DecodeString(cfg.KeySalt)
	if err != nil || len(salt) == 0 {
		dataDB.Close()
		auditDB.Close()
		return nil, fmt.Errorf("config key_salt must be non-empty hex")
	}

	logger := logging.NewLogger(cfg.LogLevel, cfg.ServerID)
	sealer := seal.New(passphrase, salt)

	sessions := session.NewManager(cfg.SessionIdleTimeout(), auditLog, logger)
	scorer := trust.NewScorer(cfg, sessions, auditLog, logger)
	tokens := trust.NewTokenSigner(seal.DeriveKey(passphrase+"/token", salt))
	detector := intrusion.New(cfg.Thresholds.BlockRisk, cfg.Thresholds.CriticalRisk, auditLog, logger)

	relayStore := relay.NewStore(filepath.Join(cfg.DataDir, "received"))
	relayA := relay.New(cfg, sealer, relayStore, auditLog, logger)

	storage := siprelay.NewPersonalStorage(filepath.Join(cfg.DataDir, "storage"))
	workflow := siprelay.NewWorkflow(storage, dataDB)
	transport := siprelay.NewUDPTransport(cfg.RelayTimeout())
	relayB := siprelay.NewMessenger(cfg, sealer, storage, workflow, transport, auditLog, logger)

	return &Engine{
		Config:    cfg,
		DataDB:    dataDB,
		AuditDB:   auditDB,
		Sealer:    sealer,
		Audit:     auditLog,
		Logger:    logger,
		Sessions:  sessions,
		Trust:     scorer,
		Tokens:    tokens,
		Intrusion: detector,
		RelayA:    relayA,
		RelayB:    relayB,
		Storage:   storage,
		Workflow:  workflow,
	}, nil
}

// Authorize is the inbound gate: the request first passes the intrusion
// detector's block check, then the trust scorer. A blocked address or an
// insufficient composite score surfaces as a SecurityPolicyViolation with
// structured detail and no secret material.
func (e *Engine) Authorize(ctx core.AuthContext) (core.TrustDecision, error) {
	if err := e.Intrusion.CheckRequest(ctx.IP, ctx.Endpoint, ctx.UserAgent); err != nil {
		return core.TrustDecision{}, err
	}

	decision := e.Trust.VerifyRequest(ctx)
	if ctx.SessionID != "" {
		e.Sessions.Touch(ctx.SessionID)
	}

	if !decision.Trusted {
		var failing []core.Dimension
		for dim, res := range decision.Results {
			if !res.Verified {
				failing = append(failing, dim)
			}
		}
		return decision, &core.SecurityPolicyViolation{
			Reason:  "insufficient trust score",
			Score:   decision.Overall,
			Failing: failing,
		}
	}
	return decision, nil
}

// Close cleanly shuts down all engine resources.
func (e *Engine) Close() error {
	var firstErr error
	if e.Sealer != nil {
		e.Sealer.Close()
	}
	if e.DataDB != nil {
		if err := e.DataDB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if e.AuditDB != nil {
		if err := e.AuditDB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
