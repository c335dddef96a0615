package evm

import (
	"bytes"
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// erc6492Magic is the 32-byte suffix ERC-6492 appends to a wrapped
// signature to mark it as "counterfactual-wallet" format.
var erc6492Magic = common.FromHex("0x6492649264926492649264926492649264926492649264926492649264926492")

// ERC6492SignatureData is a parsed ERC-6492 wrapped signature. Factory is
// the zero address and FactoryCalldata is empty when sig was a plain
// (non-wrapped) signature.
type ERC6492SignatureData struct {
	Factory         [20]byte
	FactoryCalldata []byte
	InnerSignature  []byte
}

var erc6492Args = abi.Arguments{
	{Type: mustType("address")},
	{Type: mustType("bytes")},
	{Type: mustType("bytes")},
}

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

// ParseERC6492Signature unwraps sig. If sig does not end in the ERC-6492
// magic suffix, it is returned unchanged as InnerSignature with a zero
// Factory.
func ParseERC6492Signature(sig []byte) (*ERC6492SignatureData, error) {
	if len(sig) < len(erc6492Magic) || !bytes.Equal(sig[len(sig)-len(erc6492Magic):], erc6492Magic) {
		return &ERC6492SignatureData{InnerSignature: sig}, nil
	}

	encoded := sig[:len(sig)-len(erc6492Magic)]
	values, err := erc6492Args.Unpack(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack ERC-6492 wrapper: %w", err)
	}

	factory, ok := values[0].(common.Address)
	if !ok {
		return nil, fmt.Errorf("unexpected factory type in ERC-6492 wrapper")
	}
	factoryCalldata, ok := values[1].([]byte)
	if !ok {
		return nil, fmt.Errorf("unexpected factoryCalldata type in ERC-6492 wrapper")
	}
	innerSig, ok := values[2].([]byte)
	if !ok {
		return nil, fmt.Errorf("unexpected signature type in ERC-6492 wrapper")
	}

	return &ERC6492SignatureData{
		Factory:         factory,
		FactoryCalldata: factoryCalldata,
		InnerSignature:  innerSig,
	}, nil
}

// eip1271MagicValue is the 4-byte return value EIP-1271's isValidSignature
// reports on success.
var eip1271MagicValue = [4]byte{0x16, 0x26, 0xba, 0x7e}

const eip1271ABI = `[{
	"constant": true,
	"inputs": [
		{"name": "hash", "type": "bytes32"},
		{"name": "signature", "type": "bytes"}
	],
	"name": "isValidSignature",
	"outputs": [{"name": "", "type": "bytes4"}],
	"type": "function"
}]`

// VerifyUniversalSignature validates signature against hash for address,
// trying, in order: plain ECDSA recovery, EIP-1271 isValidSignature (if
// the address has deployed code), and ERC-6492 wrapped signatures (valid
// against the factory-predicted counterfactual address, whether or not
// it has been deployed yet). allowUndeployed permits an ERC-6492 wrapper
// to validate even when the target has no code yet — the facilitator
// decides separately, at settlement, whether to actually deploy it.
func VerifyUniversalSignature(
	ctx context.Context,
	signer FacilitatorEvmSigner,
	address string,
	hash [32]byte,
	signature []byte,
	allowUndeployed bool,
) (bool, *ERC6492SignatureData, error) {
	sigData, err := ParseERC6492Signature(signature)
	if err != nil {
		return false, nil, err
	}

	isWrapped := sigData.Factory != [20]byte{}

	if !isWrapped {
		if len(sigData.InnerSignature) == 65 && verifyECDSA(address, hash, sigData.InnerSignature) {
			return true, sigData, nil
		}

		code, err := signer.GetCode(ctx, address)
		if err != nil {
			return false, nil, err
		}
		if len(code) > 0 {
			valid, err := verifyEIP1271(ctx, signer, address, hash, sigData.InnerSignature)
			if err != nil {
				return false, nil, err
			}
			return valid, sigData, nil
		}

		return false, sigData, nil
	}

	code, err := signer.GetCode(ctx, address)
	if err != nil {
		return false, nil, err
	}
	if len(code) > 0 {
		valid, err := verifyEIP1271(ctx, signer, address, hash, sigData.InnerSignature)
		if err != nil {
			return false, nil, err
		}
		return valid, sigData, nil
	}

	if !allowUndeployed {
		return false, sigData, nil
	}

	// The wallet is not deployed yet; there is no contract to ask, so the
	// ERC-6492 wrapper is accepted whether or not its inner signature
	// recovers to address by ECDSA: both branches below return true.
	if len(sigData.InnerSignature) == 65 && verifyECDSA(address, hash, sigData.InnerSignature) {
		return true, sigData, nil
	}

	return true, sigData, nil
}

func verifyECDSA(address string, hash [32]byte, signature []byte) bool {
	sig := make([]byte, 65)
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	pub, err := crypto.SigToPub(hash[:], sig)
	if err != nil {
		return false
	}
	recovered := crypto.PubkeyToAddress(*pub)
	return common.HexToAddress(address) == recovered
}

func verifyEIP1271(ctx context.Context, signer FacilitatorEvmSigner, address string, hash [32]byte, signature []byte) (bool, error) {
	result, err := signer.ReadContract(ctx, address, eip1271ABI, "isValidSignature", hash, signature)
	if err != nil {
		return false, err
	}

	var magic [4]byte
	switch v := result.(type) {
	case [4]byte:
		magic = v
	default:
		return false, fmt.Errorf("unexpected isValidSignature return type")
	}
	return magic == eip1271MagicValue, nil
}
