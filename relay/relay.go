// Package relay implements the gas sponsorship relay: a privileged
// co-signer that lets users submit escrow transactions without holding the
// native gas currency.  Every check in here defends the relay's own funds
// against arbitrary submissions, so all of them enumerate the complete
// transaction, never just the first instruction or the common case.
package relay

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hermeznetwork/tracerr"
	"github.com/inkwell-agent/auction-node/log"
	"github.com/inkwell-agent/auction-node/metric"
	"github.com/inkwell-agent/auction-node/sol"
)

// Policy violation errors, mapped to HTTP statuses by the API layer.
var (
	// ErrBadTransaction is used when the submitted payload is not a
	// parseable transaction with a user signer
	ErrBadTransaction = errors.New("invalid transaction")
	// ErrInvalidFeePayer is used when the transaction's fee payer is not
	// the relay key
	ErrInvalidFeePayer = errors.New("invalid fee payer")
	// ErrProgramNotAllowed is used when any instruction targets a program
	// outside the allow-list
	ErrProgramNotAllowed = errors.New("program not allowed")
	// ErrTransferCapExceeded is used when a native transfer from the
	// relay key exceeds the sponsorship cap
	ErrTransferCapExceeded = errors.New("transfer amount exceeds sponsorship cap")
	// ErrRateLimited is used once a user exhausts their hourly quota
	ErrRateLimited = errors.New("rate limited")
)

// System program instruction indexes that debit lamports from the
// instruction's funding account (index 0).  Account creation funds rent,
// so it moves lamports exactly like a transfer does.
const (
	systemCreateAccount         = 0
	systemTransferInstruction   = 2
	systemCreateAccountWithSeed = 3
	systemTransferWithSeed      = 11
)

// Config contains the Relay configuration.
type Config struct {
	// EscrowProgramID is the auction escrow program users interact with
	EscrowProgramID sol.PublicKey
	// MaxSponsoredLamports caps native transfers funded by the relay key.
	// The cap covers one-time account rent only, never general payments.
	MaxSponsoredLamports uint64
	// HourlyQuota is the number of sponsored submissions allowed per user
	// per rolling hour
	HourlyQuota int
}

// Relay co-signs and broadcasts user transactions that pass every policy
// check.
type Relay struct {
	cfg     Config
	client  *sol.Client
	keypair *sol.Keypair
	allowed map[sol.PublicKey]bool
	clk     clock.Clock

	mtx   sync.Mutex
	usage map[sol.PublicKey][]time.Time
}

// NewRelay creates a Relay.  The allow-list is fixed: the escrow program,
// the token program, the system program and the associated-token-account
// program.  clk may be nil, in which case the real clock is used.
func NewRelay(cfg Config, client *sol.Client, keypair *sol.Keypair, clk clock.Clock) *Relay {
	if clk == nil {
		clk = clock.New()
	}
	return &Relay{
		cfg:     cfg,
		client:  client,
		keypair: keypair,
		allowed: map[sol.PublicKey]bool{
			cfg.EscrowProgramID:          true,
			sol.TokenProgramID:           true,
			sol.SystemProgramID:          true,
			sol.AssociatedTokenProgramID: true,
		},
		clk:   clk,
		usage: make(map[sol.PublicKey][]time.Time),
	}
}

// FeePayerAddress returns the relay's public key, which users must set as
// their transaction's fee payer.
func (r *Relay) FeePayerAddress() sol.PublicKey {
	return r.keypair.PublicKey()
}

// Sponsor verifies, co-signs and broadcasts a user-signed transaction
// submitted as base64.  It does not wait for confirmation: the caller only
// needs the submission handle.  Any returned policy error means nothing
// was broadcast.
func (r *Relay) Sponsor(ctx context.Context, txBase64 string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(txBase64)
	if err != nil {
		return "", tracerr.Wrap(ErrBadTransaction)
	}
	tx, err := sol.DeserializeTransaction(raw)
	if err != nil {
		return "", tracerr.Wrap(ErrBadTransaction)
	}
	msg := &tx.Message

	feePayer, err := msg.FeePayer()
	if err != nil {
		return "", tracerr.Wrap(ErrBadTransaction)
	}
	if feePayer != r.keypair.PublicKey() {
		metric.SponsorRejections.WithLabelValues("fee_payer").Inc()
		return "", tracerr.Wrap(ErrInvalidFeePayer)
	}

	// total enumeration: one disallowed instruction rejects the whole
	// transaction, partial sponsorship is not offered
	for _, ix := range msg.Instructions {
		program, err := msg.Program(ix)
		if err != nil {
			return "", tracerr.Wrap(ErrBadTransaction)
		}
		if !r.allowed[program] {
			metric.SponsorRejections.WithLabelValues("program").Inc()
			return "", tracerr.Wrap(ErrProgramNotAllowed)
		}
		if program == sol.SystemProgramID {
			if err := r.checkSystemInstruction(msg, ix); err != nil {
				return "", tracerr.Wrap(err)
			}
		}
	}

	signers := msg.Signers()
	if len(signers) < 2 {
		// the relay never sponsors transactions with no user signer
		metric.SponsorRejections.WithLabelValues("no_user_signer").Inc()
		return "", tracerr.Wrap(ErrBadTransaction)
	}
	user := signers[1]
	if !r.allow(user) {
		metric.SponsorRejections.WithLabelValues("rate_limit").Inc()
		return "", tracerr.Wrap(ErrRateLimited)
	}

	if err := tx.Sign(r.keypair); err != nil {
		return "", tracerr.Wrap(err)
	}
	signature, err := r.client.SendTransaction(ctx, tx)
	if err != nil {
		return "", tracerr.Wrap(err)
	}
	metric.SponsoredTxs.Inc()
	log.Infow("Sponsored transaction broadcast", "sig", signature, "user", user)
	return signature, nil
}

// checkSystemInstruction caps lamport debits funded by the relay's own
// key: transfers and the account-creation variants alike, since rent
// funding drains the relay exactly like a payment would.  Debits funded by
// other accounts are the user spending their own funds and are not capped.
func (r *Relay) checkSystemInstruction(msg *sol.Message, ix sol.CompiledInstruction) error {
	lamports, debits, err := systemDebitLamports(ix.Data)
	if err != nil {
		return tracerr.Wrap(ErrBadTransaction)
	}
	if !debits {
		return nil
	}
	if len(ix.AccountIndexes) < 1 {
		return tracerr.Wrap(ErrBadTransaction)
	}
	funding, err := msg.Account(ix.AccountIndexes[0])
	if err != nil {
		return tracerr.Wrap(ErrBadTransaction)
	}
	if funding != r.keypair.PublicKey() {
		return nil
	}
	if lamports > r.cfg.MaxSponsoredLamports {
		metric.SponsorRejections.WithLabelValues("transfer_cap").Inc()
		return tracerr.Wrap(ErrTransferCapExceeded)
	}
	return nil
}

// systemDebitLamports decodes the lamport amount a system instruction
// debits from its funding account.  Instructions that move no lamports
// report debits false; a debiting instruction with truncated data is an
// error, never a pass.
func systemDebitLamports(data []byte) (lamports uint64, debits bool, err error) {
	if len(data) < 4 {
		return 0, false, nil
	}
	switch binary.LittleEndian.Uint32(data[:4]) {
	case systemCreateAccount, systemTransferInstruction, systemTransferWithSeed:
		if len(data) < 12 {
			return 0, false, tracerr.Wrap(fmt.Errorf("truncated system instruction"))
		}
		return binary.LittleEndian.Uint64(data[4:12]), true, nil
	case systemCreateAccountWithSeed:
		// base pubkey, then a length-prefixed seed, then lamports
		if len(data) < 44 {
			return 0, false, tracerr.Wrap(fmt.Errorf("truncated system instruction"))
		}
		seedLen := binary.LittleEndian.Uint64(data[36:44])
		if seedLen > uint64(len(data)) || len(data) < 44+int(seedLen)+8 {
			return 0, false, tracerr.Wrap(fmt.Errorf("truncated system instruction"))
		}
		off := 44 + int(seedLen)
		return binary.LittleEndian.Uint64(data[off : off+8]), true, nil
	}
	return 0, false, nil
}

// allow consumes one unit of the user's rolling-hour quota, reporting
// false once the quota is exhausted.  Users whose whole window has aged
// out are dropped from the map; anyone can claim a signer key, so the map
// must not grow with every key ever seen.
func (r *Relay) allow(user sol.PublicKey) bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	now := r.clk.Now()
	cutoff := now.Add(-time.Hour)
	for key, times := range r.usage {
		if key == user {
			continue
		}
		if pruned := pruneBefore(times, cutoff); len(pruned) == 0 {
			delete(r.usage, key)
		} else {
			r.usage[key] = pruned
		}
	}
	recent := pruneBefore(r.usage[user], cutoff)
	if len(recent) >= r.cfg.HourlyQuota {
		r.usage[user] = recent
		return false
	}
	r.usage[user] = append(recent, now)
	return true
}

// pruneBefore drops timestamps at or before cutoff, reusing the backing
// array.
func pruneBefore(times []time.Time, cutoff time.Time) []time.Time {
	recent := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	return recent
}
