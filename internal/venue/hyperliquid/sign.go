package hyperliquid

import (
	"crypto/ecdsa"
	"encoding/binary"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethmath "github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/tradegate/tradegate/internal/domain"
)

// The venue's phantom-agent scheme: the action is msgpack-serialized,
// suffixed with the big-endian nonce and a vault flag byte, keccak
// hashed into a connectionId, and that hash is signed as an EIP-712
// Agent struct against a fixed chain-1337 domain.
type signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
	source  string
}

func newSigner(privateKeyHex string, testnet bool) (*signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, domain.Wrap(domain.KindCredentialBad, err, "hyperliquid: private key is not a valid secp256k1 hex key")
	}
	source := "a"
	if testnet {
		source = "b"
	}
	return &signer{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		source:  source,
	}, nil
}

type rsv struct {
	R string `json:"r"`
	S string `json:"s"`
	V uint8  `json:"v"`
}

func (s *signer) signAction(action any, nonce int64) (rsv, error) {
	connectionID, err := actionHash(action, nonce)
	if err != nil {
		return rsv{}, err
	}

	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Agent": {
				{Name: "source", Type: "string"},
				{Name: "connectionId", Type: "bytes32"},
			},
		},
		PrimaryType: "Agent",
		Domain: apitypes.TypedDataDomain{
			Name:              "Exchange",
			Version:           "1",
			ChainId:           ethmath.NewHexOrDecimal256(1337),
			VerifyingContract: "0x0000000000000000000000000000000000000000",
		},
		Message: apitypes.TypedDataMessage{
			"source":       s.source,
			"connectionId": hexutil.Encode(connectionID),
		},
	}

	hash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return rsv{}, domain.Wrap(domain.KindClient, err, "hyperliquid: typed data hash")
	}
	sig, err := crypto.Sign(hash, s.key)
	if err != nil {
		return rsv{}, domain.Wrap(domain.KindClient, err, "hyperliquid: sign action")
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return rsv{
		R: hexutil.Encode(sig[:32]),
		S: hexutil.Encode(sig[32:64]),
		V: sig[64],
	}, nil
}

func actionHash(action any, nonce int64) ([]byte, error) {
	packed, err := msgpack.Marshal(action)
	if err != nil {
		return nil, domain.Wrap(domain.KindClient, err, "hyperliquid: pack action")
	}
	data := make([]byte, 0, len(packed)+9)
	data = append(data, packed...)
	var nb [8]byte
	binary.BigEndian.PutUint64(nb[:], uint64(nonce))
	data = append(data, nb[:]...)
	// No vault address.
	data = append(data, 0x00)
	return crypto.Keccak256(data), nil
}
