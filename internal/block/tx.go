package block

import (
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// AddressSize is the raw address length: 1 version byte + 20-byte identifier.
const AddressSize = 21

// RawAddress is the binary form of a bech32 address as it appears in
// transaction outputs.
type RawAddress [AddressSize]byte

// DecodeAddress decodes a bech32 address, requiring the given
// human-readable prefix, witness version 0, and a 20-byte identifier.
func DecodeAddress(hrp, addr string) (RawAddress, error) {
	var raw RawAddress
	gotHRP, data, err := bech32.Decode(addr)
	if err != nil {
		return raw, fmt.Errorf("decode address: %w", err)
	}
	if gotHRP != hrp {
		return raw, fmt.Errorf("wrong address prefix %q, want %q", gotHRP, hrp)
	}
	if len(data) < 1 || data[0] != 0 {
		return raw, fmt.Errorf("unsupported address version")
	}
	identifier, err := bech32.ConvertBits(data[1:], 5, 8, false)
	if err != nil {
		return raw, fmt.Errorf("convert address bits: %w", err)
	}
	if len(identifier) != 20 {
		return raw, fmt.Errorf("bad identifier length %d", len(identifier))
	}
	raw[0] = 0
	copy(raw[1:], identifier)
	return raw, nil
}

// EncodeAddress is the inverse of DecodeAddress.
func EncodeAddress(hrp string, raw RawAddress) (string, error) {
	converted, err := bech32.ConvertBits(raw[1:], 8, 5, true)
	if err != nil {
		return "", fmt.Errorf("convert address bits: %w", err)
	}
	return bech32.Encode(hrp, append([]uint8{raw[0]}, converted...))
}

// TxInput spends a previous output.
type TxInput struct {
	PreviousHash chainhash.Hash
	Index        uint8
}

// TxOutput pays an amount of a coin to a raw address.
type TxOutput struct {
	Address RawAddress
	CoinID  uint32
	Amount  uint64
}

// Tx is the node's transaction format. The pool only ever rewrites coinbase
// transactions (outputs, time, deadline); everything else passes through
// opaque. The coinbase message tail carries the 8-byte extranonce
// placeholder as its final bytes.
type Tx struct {
	Version   uint32
	Type      uint32
	Time      uint32
	Deadline  uint32
	Inputs    []TxInput
	Outputs   []TxOutput
	GasPrice  uint64
	GasAmount uint64
	Message   []byte
}

// Serialize encodes the transaction to its binary form.
func (tx *Tx) Serialize() []byte {
	buf := make([]byte, 16, 64+len(tx.Message))
	binary.LittleEndian.PutUint32(buf[0:4], tx.Version)
	binary.LittleEndian.PutUint32(buf[4:8], tx.Type)
	binary.LittleEndian.PutUint32(buf[8:12], tx.Time)
	binary.LittleEndian.PutUint32(buf[12:16], tx.Deadline)
	buf = AppendCompactSize(buf, uint64(len(tx.Inputs)))
	for _, in := range tx.Inputs {
		buf = append(buf, in.PreviousHash[:]...)
		buf = append(buf, in.Index)
	}
	buf = AppendCompactSize(buf, uint64(len(tx.Outputs)))
	for _, out := range tx.Outputs {
		buf = append(buf, out.Address[:]...)
		var tail [12]byte
		binary.LittleEndian.PutUint32(tail[0:4], out.CoinID)
		binary.LittleEndian.PutUint64(tail[4:12], out.Amount)
		buf = append(buf, tail[:]...)
	}
	var gas [16]byte
	binary.LittleEndian.PutUint64(gas[0:8], tx.GasPrice)
	binary.LittleEndian.PutUint64(gas[8:16], tx.GasAmount)
	buf = append(buf, gas[:]...)
	buf = AppendCompactSize(buf, uint64(len(tx.Message)))
	buf = append(buf, tx.Message...)
	return buf
}

// ParseTx decodes a transaction, rejecting trailing garbage.
func ParseTx(raw []byte) (*Tx, error) {
	tx, n, err := parseTx(raw)
	if err != nil {
		return nil, err
	}
	if n != len(raw) {
		return nil, fmt.Errorf("parse tx: %d trailing bytes", len(raw)-n)
	}
	return tx, nil
}

func parseTx(raw []byte) (*Tx, int, error) {
	if len(raw) < 16 {
		return nil, 0, fmt.Errorf("parse tx: short header")
	}
	tx := &Tx{
		Version:  binary.LittleEndian.Uint32(raw[0:4]),
		Type:     binary.LittleEndian.Uint32(raw[4:8]),
		Time:     binary.LittleEndian.Uint32(raw[8:12]),
		Deadline: binary.LittleEndian.Uint32(raw[12:16]),
	}
	pos := 16

	nIn, n, err := ReadCompactSize(raw[pos:])
	if err != nil {
		return nil, 0, fmt.Errorf("parse tx inputs: %w", err)
	}
	pos += n
	for i := uint64(0); i < nIn; i++ {
		if len(raw) < pos+chainhash.HashSize+1 {
			return nil, 0, fmt.Errorf("parse tx: short input %d", i)
		}
		var in TxInput
		copy(in.PreviousHash[:], raw[pos:pos+chainhash.HashSize])
		in.Index = raw[pos+chainhash.HashSize]
		tx.Inputs = append(tx.Inputs, in)
		pos += chainhash.HashSize + 1
	}

	nOut, n, err := ReadCompactSize(raw[pos:])
	if err != nil {
		return nil, 0, fmt.Errorf("parse tx outputs: %w", err)
	}
	pos += n
	for i := uint64(0); i < nOut; i++ {
		if len(raw) < pos+AddressSize+12 {
			return nil, 0, fmt.Errorf("parse tx: short output %d", i)
		}
		var out TxOutput
		copy(out.Address[:], raw[pos:pos+AddressSize])
		out.CoinID = binary.LittleEndian.Uint32(raw[pos+AddressSize : pos+AddressSize+4])
		out.Amount = binary.LittleEndian.Uint64(raw[pos+AddressSize+4 : pos+AddressSize+12])
		tx.Outputs = append(tx.Outputs, out)
		pos += AddressSize + 12
	}

	if len(raw) < pos+16 {
		return nil, 0, fmt.Errorf("parse tx: short gas fields")
	}
	tx.GasPrice = binary.LittleEndian.Uint64(raw[pos : pos+8])
	tx.GasAmount = binary.LittleEndian.Uint64(raw[pos+8 : pos+16])
	pos += 16

	msgLen, n, err := ReadCompactSize(raw[pos:])
	if err != nil {
		return nil, 0, fmt.Errorf("parse tx message: %w", err)
	}
	pos += n
	if uint64(len(raw)) < uint64(pos)+msgLen {
		return nil, 0, fmt.Errorf("parse tx: short message")
	}
	tx.Message = append([]byte(nil), raw[pos:pos+int(msgLen)]...)
	pos += int(msgLen)

	return tx, pos, nil
}
