package chain

import (
	"bytes"
	"compress/zlib"
	"context"
	"encoding/binary"
	"fmt"
	"io"

	solana "github.com/gagliardetto/solana-go"

	"github.com/nicodishanthj/soldocs/internal/common"
	"github.com/nicodishanthj/soldocs/internal/idl"
)

const (
	idlSeed          = "anchor:idl"
	maxDeclaredIDLen = 10_000_000
)

// Anchor has shipped three account layouts ahead of the compressed payload:
// discriminator + authority + length (44), discriminator + length (12), and
// a minimal 8-byte header. The header size is not recorded anywhere, so
// decoding probes each offset in order.
var headerOffsets = []int{44, 12, 8}

// IDLAddress derives the canonical IDL account address for a program: the
// program's own PDA base extended with the "anchor:idl" seed.
func IDLAddress(programID string) (string, error) {
	program, err := solana.PublicKeyFromBase58(programID)
	if err != nil {
		return "", fmt.Errorf("parse program id %s: %w", programID, err)
	}
	base, _, err := solana.FindProgramAddress(nil, program)
	if err != nil {
		return "", fmt.Errorf("derive pda base for %s: %w", programID, err)
	}
	address, err := solana.CreateWithSeed(base, idlSeed, program)
	if err != nil {
		return "", fmt.Errorf("derive idl address for %s: %w", programID, err)
	}
	return address.String(), nil
}

// FetchIDL pulls and decodes the on-chain IDL for a program. It returns
// (nil, nil) when the IDL account is missing or holds nothing decodable.
func (c *Client) FetchIDL(ctx context.Context, programID string) (idl.IDL, error) {
	logger := common.Logger()
	address, err := IDLAddress(programID)
	if err != nil {
		return nil, err
	}
	account, err := c.GetAccount(ctx, address)
	if err != nil {
		return nil, err
	}
	if account == nil {
		logger.Debug("chain: no idl account", "program", programID, "address", address)
		return nil, nil
	}
	doc := decodeIDLAccount(account.Data)
	if doc == nil {
		logger.Warn("chain: idl account present but undecodable", "program", programID, "bytes", account.Length)
		return nil, nil
	}
	logger.Info("chain: idl fetched", "program", programID, "name", doc.Name())
	return doc, nil
}

func decodeIDLAccount(data []byte) idl.IDL {
	for _, offset := range headerOffsets {
		doc := decodeAtOffset(data, offset)
		if doc != nil {
			return doc
		}
	}
	return nil
}

// decodeAtOffset reads a little-endian u32 length at offset, inflates that
// many bytes of zlib data, and accepts the result only when it parses as an
// IDL with a non-empty instruction list.
func decodeAtOffset(data []byte, offset int) idl.IDL {
	if len(data) < offset+4 {
		return nil
	}
	declared := int(binary.LittleEndian.Uint32(data[offset : offset+4]))
	if declared <= 0 || declared > len(data)-offset-4 || declared > maxDeclaredIDLen {
		return nil
	}
	compressed := data[offset+4 : offset+4+declared]
	reader, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil
	}
	defer reader.Close()
	inflated, err := io.ReadAll(io.LimitReader(reader, maxDeclaredIDLen))
	if err != nil {
		return nil
	}
	doc, err := idl.Parse(inflated)
	if err != nil {
		return nil
	}
	if len(doc.Instructions()) == 0 {
		return nil
	}
	return doc
}
