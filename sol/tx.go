// Package sol implements the subset of the Solana wire protocol that the
// auction node needs: legacy transaction encoding, ed25519 signing, and a
// JSON-RPC client for the escrow program operations.  It is deliberately
// not a general chain client.
package sol

import (
	"bytes"
	"crypto/ed25519"
	"fmt"
	"io"

	"github.com/hermeznetwork/tracerr"
	"github.com/mr-tron/base58"
)

// PublicKey is a 32-byte ed25519 public key, rendered base58.
type PublicKey [32]byte

// Well-known program addresses referenced by sponsored transactions.
var (
	SystemProgramID          = MustPublicKeyFromBase58("11111111111111111111111111111111")
	TokenProgramID           = MustPublicKeyFromBase58("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")
	AssociatedTokenProgramID = MustPublicKeyFromBase58("ATokenGPvbdGVxr1b2hvZbsiqW5xWH25efTNsLJA8knL")
)

// PublicKeyFromBase58 parses a base58 encoded public key.
func PublicKeyFromBase58(s string) (PublicKey, error) {
	var pk PublicKey
	b, err := base58.Decode(s)
	if err != nil {
		return pk, tracerr.Wrap(err)
	}
	if len(b) != len(pk) {
		return pk, tracerr.Wrap(fmt.Errorf("invalid public key length %v", len(b)))
	}
	copy(pk[:], b)
	return pk, nil
}

// MustPublicKeyFromBase58 parses a base58 public key, panicking on error.
// Only for constants.
func MustPublicKeyFromBase58(s string) PublicKey {
	pk, err := PublicKeyFromBase58(s)
	if err != nil {
		panic(err)
	}
	return pk
}

// String returns the base58 encoding of the key.
func (pk PublicKey) String() string {
	return base58.Encode(pk[:])
}

// AccountMeta describes how an instruction references an account.
type AccountMeta struct {
	Pubkey     PublicKey
	IsSigner   bool
	IsWritable bool
}

// Instruction is a single program invocation before message compilation.
type Instruction struct {
	ProgramID PublicKey
	Accounts  []AccountMeta
	Data      []byte
}

// MessageHeader is the three-byte header of a legacy transaction message.
type MessageHeader struct {
	NumRequiredSignatures       uint8
	NumReadonlySignedAccounts   uint8
	NumReadonlyUnsignedAccounts uint8
}

// CompiledInstruction references accounts by index into the message's
// account key table.
type CompiledInstruction struct {
	ProgramIDIndex uint8
	AccountIndexes []uint8
	Data           []byte
}

// Message is a compiled legacy transaction message.
type Message struct {
	Header          MessageHeader
	AccountKeys     []PublicKey
	RecentBlockhash [32]byte
	Instructions    []CompiledInstruction
}

// Transaction is a set of signatures over a compiled message.  Signature i
// belongs to AccountKeys[i].
type Transaction struct {
	Signatures [][64]byte
	Message    Message
}

// FeePayer returns the account that pays the transaction fee, which is by
// protocol rule the first account key.
func (m *Message) FeePayer() (PublicKey, error) {
	if len(m.AccountKeys) == 0 {
		return PublicKey{}, tracerr.Wrap(fmt.Errorf("message has no account keys"))
	}
	return m.AccountKeys[0], nil
}

// Program returns the program targeted by instruction ix.
func (m *Message) Program(ix CompiledInstruction) (PublicKey, error) {
	if int(ix.ProgramIDIndex) >= len(m.AccountKeys) {
		return PublicKey{}, tracerr.Wrap(fmt.Errorf("program id index %v out of range",
			ix.ProgramIDIndex))
	}
	return m.AccountKeys[ix.ProgramIDIndex], nil
}

// Account returns the account key referenced by an instruction account
// index.
func (m *Message) Account(idx uint8) (PublicKey, error) {
	if int(idx) >= len(m.AccountKeys) {
		return PublicKey{}, tracerr.Wrap(fmt.Errorf("account index %v out of range", idx))
	}
	return m.AccountKeys[idx], nil
}

// Signers returns the account keys that are required to sign the message.
func (m *Message) Signers() []PublicKey {
	n := int(m.Header.NumRequiredSignatures)
	if n > len(m.AccountKeys) {
		n = len(m.AccountKeys)
	}
	return m.AccountKeys[:n]
}

func encodeCompactU16(buf *bytes.Buffer, n int) {
	for {
		b := byte(n & 0x7f)
		n >>= 7
		if n == 0 {
			buf.WriteByte(b)
			return
		}
		buf.WriteByte(b | 0x80)
	}
}

func decodeCompactU16(r *bytes.Reader) (int, error) {
	n := 0
	for shift := 0; shift < 21; shift += 7 {
		b, err := r.ReadByte()
		if err != nil {
			return 0, tracerr.Wrap(err)
		}
		n |= int(b&0x7f) << shift
		if b&0x80 == 0 {
			return n, nil
		}
	}
	return 0, tracerr.Wrap(fmt.Errorf("compact-u16 overflow"))
}

// Serialize encodes the message in the legacy wire format.  These are the
// bytes that get signed.
func (m *Message) Serialize() []byte {
	var buf bytes.Buffer
	buf.WriteByte(m.Header.NumRequiredSignatures)
	buf.WriteByte(m.Header.NumReadonlySignedAccounts)
	buf.WriteByte(m.Header.NumReadonlyUnsignedAccounts)
	encodeCompactU16(&buf, len(m.AccountKeys))
	for _, key := range m.AccountKeys {
		buf.Write(key[:])
	}
	buf.Write(m.RecentBlockhash[:])
	encodeCompactU16(&buf, len(m.Instructions))
	for _, ix := range m.Instructions {
		buf.WriteByte(ix.ProgramIDIndex)
		encodeCompactU16(&buf, len(ix.AccountIndexes))
		buf.Write(ix.AccountIndexes)
		encodeCompactU16(&buf, len(ix.Data))
		buf.Write(ix.Data)
	}
	return buf.Bytes()
}

// Serialize encodes the full signed transaction in the legacy wire format.
func (t *Transaction) Serialize() []byte {
	var buf bytes.Buffer
	encodeCompactU16(&buf, len(t.Signatures))
	for _, sig := range t.Signatures {
		buf.Write(sig[:])
	}
	buf.Write(t.Message.Serialize())
	return buf.Bytes()
}

// DeserializeTransaction parses a legacy wire-format transaction.  Versioned
// transactions (first message byte with the high bit set) are rejected.
func DeserializeTransaction(data []byte) (*Transaction, error) {
	r := bytes.NewReader(data)
	numSigs, err := decodeCompactU16(r)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	if numSigs > 16 {
		return nil, tracerr.Wrap(fmt.Errorf("implausible signature count %v", numSigs))
	}
	tx := &Transaction{}
	for i := 0; i < numSigs; i++ {
		var sig [64]byte
		if _, err := io.ReadFull(r, sig[:]); err != nil {
			return nil, tracerr.Wrap(err)
		}
		tx.Signatures = append(tx.Signatures, sig)
	}
	b, err := r.ReadByte()
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	if b&0x80 != 0 {
		return nil, tracerr.Wrap(fmt.Errorf("versioned transactions are not supported"))
	}
	tx.Message.Header.NumRequiredSignatures = b
	if tx.Message.Header.NumReadonlySignedAccounts, err = r.ReadByte(); err != nil {
		return nil, tracerr.Wrap(err)
	}
	if tx.Message.Header.NumReadonlyUnsignedAccounts, err = r.ReadByte(); err != nil {
		return nil, tracerr.Wrap(err)
	}
	numKeys, err := decodeCompactU16(r)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	if numKeys > 64 {
		return nil, tracerr.Wrap(fmt.Errorf("implausible account count %v", numKeys))
	}
	for i := 0; i < numKeys; i++ {
		var key PublicKey
		if _, err := io.ReadFull(r, key[:]); err != nil {
			return nil, tracerr.Wrap(err)
		}
		tx.Message.AccountKeys = append(tx.Message.AccountKeys, key)
	}
	if _, err := io.ReadFull(r, tx.Message.RecentBlockhash[:]); err != nil {
		return nil, tracerr.Wrap(err)
	}
	numIxs, err := decodeCompactU16(r)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	for i := 0; i < numIxs; i++ {
		var ix CompiledInstruction
		if ix.ProgramIDIndex, err = r.ReadByte(); err != nil {
			return nil, tracerr.Wrap(err)
		}
		numAccounts, err := decodeCompactU16(r)
		if err != nil {
			return nil, tracerr.Wrap(err)
		}
		ix.AccountIndexes = make([]uint8, numAccounts)
		if _, err := io.ReadFull(r, ix.AccountIndexes); err != nil {
			return nil, tracerr.Wrap(err)
		}
		dataLen, err := decodeCompactU16(r)
		if err != nil {
			return nil, tracerr.Wrap(err)
		}
		ix.Data = make([]byte, dataLen)
		if _, err := io.ReadFull(r, ix.Data); err != nil {
			return nil, tracerr.Wrap(err)
		}
		tx.Message.Instructions = append(tx.Message.Instructions, ix)
	}
	return tx, nil
}

// NewTransaction compiles instructions into an unsigned legacy transaction.
// feePayer becomes the first account key; signature slots are zeroed.
func NewTransaction(feePayer PublicKey, recentBlockhash [32]byte,
	instructions []Instruction) (*Transaction, error) {
	type meta struct {
		signer   bool
		writable bool
	}
	metas := map[PublicKey]*meta{}
	order := []PublicKey{}
	touch := func(key PublicKey, signer, writable bool) {
		m, ok := metas[key]
		if !ok {
			m = &meta{}
			metas[key] = m
			order = append(order, key)
		}
		m.signer = m.signer || signer
		m.writable = m.writable || writable
	}
	touch(feePayer, true, true)
	for _, ix := range instructions {
		for _, acc := range ix.Accounts {
			touch(acc.Pubkey, acc.IsSigner, acc.IsWritable)
		}
		touch(ix.ProgramID, false, false)
	}

	// protocol account ordering: writable signers, readonly signers,
	// writable non-signers, readonly non-signers; fee payer stays first
	var keys []PublicKey
	appendClass := func(signer, writable bool) {
		for _, key := range order {
			if key == feePayer {
				continue
			}
			m := metas[key]
			if m.signer == signer && m.writable == writable {
				keys = append(keys, key)
			}
		}
	}
	keys = append(keys, feePayer)
	appendClass(true, true)
	appendClass(true, false)
	appendClass(false, true)
	appendClass(false, false)

	index := map[PublicKey]uint8{}
	for i, key := range keys {
		index[key] = uint8(i)
	}
	var header MessageHeader
	for _, key := range keys {
		m := metas[key]
		if m.signer {
			header.NumRequiredSignatures++
			if !m.writable {
				header.NumReadonlySignedAccounts++
			}
		} else if !m.writable {
			header.NumReadonlyUnsignedAccounts++
		}
	}

	msg := Message{
		Header:          header,
		AccountKeys:     keys,
		RecentBlockhash: recentBlockhash,
	}
	for _, ix := range instructions {
		compiled := CompiledInstruction{
			ProgramIDIndex: index[ix.ProgramID],
			Data:           ix.Data,
		}
		for _, acc := range ix.Accounts {
			compiled.AccountIndexes = append(compiled.AccountIndexes, index[acc.Pubkey])
		}
		msg.Instructions = append(msg.Instructions, compiled)
	}
	tx := &Transaction{
		Signatures: make([][64]byte, header.NumRequiredSignatures),
		Message:    msg,
	}
	return tx, nil
}

// Sign fills in the signature slot belonging to the given key.  Returns an
// error when the key is not one of the message's required signers.
func (t *Transaction) Sign(key *Keypair) error {
	msgBytes := t.Message.Serialize()
	for i, signer := range t.Message.Signers() {
		if signer == key.PublicKey() {
			sig := ed25519.Sign(key.priv, msgBytes)
			copy(t.Signatures[i][:], sig)
			return nil
		}
	}
	return tracerr.Wrap(fmt.Errorf("key %v is not a required signer", key.PublicKey()))
}
