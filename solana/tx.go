package solana

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/btcsuite/btcutil/base58"
)

// SystemProgramID is the native program owning lamport transfers.
const SystemProgramID = "11111111111111111111111111111111"

// systemTransferIndex is the System Program instruction discriminator for a
// lamport transfer.
const systemTransferIndex uint32 = 2

const signatureSize = 64

// ErrMalformedTransaction indicates a wire transaction could not be parsed.
var ErrMalformedTransaction = errors.New("solana: malformed transaction")

// Transfer is one lamport movement inside a batch transaction.
type Transfer struct {
	To       string
	Lamports uint64
}

// BuildTransferTransaction assembles and signs a single legacy transaction
// carrying one System Program transfer per entry. The keypair is both fee
// payer and source of funds.
func BuildTransferTransaction(from *Keypair, recentBlockhash string, transfers []Transfer) ([]byte, error) {
	if from == nil {
		return nil, errors.New("solana: keypair required")
	}
	if len(transfers) == 0 {
		return nil, errors.New("solana: no transfers")
	}
	blockhash, err := DecodeAddress(recentBlockhash)
	if err != nil {
		return nil, fmt.Errorf("solana: bad blockhash: %w", err)
	}

	// Account table: fee payer first, then writable recipients, then the
	// read-only program. Duplicate recipients collapse onto one index.
	keys := [][32]byte{from.PublicKey()}
	index := map[string]byte{from.Address(): 0}
	for _, transfer := range transfers {
		if _, ok := index[transfer.To]; ok {
			continue
		}
		key, err := DecodeAddress(transfer.To)
		if err != nil {
			return nil, err
		}
		index[transfer.To] = byte(len(keys))
		keys = append(keys, key)
	}
	programKey, err := DecodeAddress(SystemProgramID)
	if err != nil {
		return nil, err
	}
	programIndex := byte(len(keys))
	keys = append(keys, programKey)

	var message bytes.Buffer
	// Header: one required signature, no read-only signed accounts, one
	// read-only unsigned account (the program).
	message.Write([]byte{1, 0, 1})
	writeCompactU16(&message, len(keys))
	for _, key := range keys {
		message.Write(key[:])
	}
	message.Write(blockhash[:])
	writeCompactU16(&message, len(transfers))
	for _, transfer := range transfers {
		message.WriteByte(programIndex)
		writeCompactU16(&message, 2)
		message.WriteByte(0)
		message.WriteByte(index[transfer.To])
		data := make([]byte, 12)
		binary.LittleEndian.PutUint32(data[0:4], systemTransferIndex)
		binary.LittleEndian.PutUint64(data[4:12], transfer.Lamports)
		writeCompactU16(&message, len(data))
		message.Write(data)
	}

	signature := from.Sign(message.Bytes())
	var tx bytes.Buffer
	writeCompactU16(&tx, 1)
	tx.Write(signature[:])
	tx.Write(message.Bytes())
	return tx.Bytes(), nil
}

// SignWireTransaction signs a pre-built wire transaction, such as the claim
// transactions handed back by the fee-claim API, filling the signature slot
// that belongs to the keypair. The message itself is left untouched.
func SignWireTransaction(raw []byte, key *Keypair) ([]byte, error) {
	sigCount, offset, err := readCompactU16(raw, 0)
	if err != nil {
		return nil, err
	}
	sigBytes := sigCount * signatureSize
	if len(raw) < offset+sigBytes {
		return nil, ErrMalformedTransaction
	}
	message := raw[offset+sigBytes:]

	slot, err := signerSlot(message, key.PublicKey())
	if err != nil {
		return nil, err
	}
	if slot >= sigCount {
		return nil, fmt.Errorf("%w: signer slot %d beyond %d signatures", ErrMalformedTransaction, slot, sigCount)
	}

	signed := make([]byte, len(raw))
	copy(signed, raw)
	signature := key.Sign(message)
	copy(signed[offset+slot*signatureSize:], signature[:])
	return signed, nil
}

// signerSlot locates the keypair's position among the message's required
// signers.
func signerSlot(message []byte, pub [32]byte) (int, error) {
	if len(message) < 3 {
		return 0, ErrMalformedTransaction
	}
	required := int(message[0])
	count, offset, err := readCompactU16(message, 3)
	if err != nil {
		return 0, err
	}
	if count < required || len(message) < offset+count*32 {
		return 0, ErrMalformedTransaction
	}
	for i := 0; i < required; i++ {
		start := offset + i*32
		if bytes.Equal(message[start:start+32], pub[:]) {
			return i, nil
		}
	}
	return 0, fmt.Errorf("solana: %s is not a required signer", base58.Encode(pub[:]))
}

func writeCompactU16(buf *bytes.Buffer, value int) {
	v := uint16(value)
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			buf.WriteByte(b)
			return
		}
		buf.WriteByte(b | 0x80)
	}
}

func readCompactU16(data []byte, offset int) (int, int, error) {
	value := 0
	shift := 0
	for i := 0; i < 3; i++ {
		if offset >= len(data) {
			return 0, 0, ErrMalformedTransaction
		}
		b := data[offset]
		offset++
		value |= int(b&0x7f) << shift
		if b&0x80 == 0 {
			return value, offset, nil
		}
		shift += 7
	}
	return 0, 0, ErrMalformedTransaction
}
