package ethereum

import (
	"bytes"
	"context"
	"math/big"
	"testing"

	"Aegis-Evaluator/internal/web3"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

func TestPackSubmission(t *testing.T) {
	sub := web3.EvaluationSubmission{
		QuestID:    1,
		AgentID:    2,
		Confidence: 90,
		Success:    true,
	}
	sub.MerkleRoot[31] = 0xaa
	sub.FeaturesHash[0] = 0xbb

	data, err := PackSubmission(sub)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	selector := crypto.Keccak256([]byte("submitEvaluation(uint256,uint256,uint256,bool,bytes32,bytes32)"))[:4]
	if !bytes.Equal(data[:4], selector) {
		t.Fatalf("unexpected selector %x", data[:4])
	}
	if len(data) != 4+6*32 {
		t.Fatalf("unexpected calldata length %d", len(data))
	}

	words := data[4:]
	word := func(i int) []byte { return words[i*32 : (i+1)*32] }
	if new(big.Int).SetBytes(word(0)).Uint64() != 1 || new(big.Int).SetBytes(word(1)).Uint64() != 2 {
		t.Fatalf("ids not encoded in order")
	}
	if new(big.Int).SetBytes(word(2)).Uint64() != 90 {
		t.Fatalf("confidence not encoded")
	}
	if word(3)[31] != 1 {
		t.Fatalf("success flag not encoded")
	}
	if word(4)[31] != 0xaa || word(5)[0] != 0xbb {
		t.Fatalf("digests not encoded in order")
	}
}

func TestNewTransactor(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	hexKey := common.Bytes2Hex(crypto.FromECDSA(key))

	auth, err := NewTransactor("0x"+hexKey, big.NewInt(1337), 250_000)
	if err != nil {
		t.Fatalf("new transactor: %v", err)
	}
	if auth.From != crypto.PubkeyToAddress(key.PublicKey) {
		t.Fatalf("unexpected signer address %s", auth.From.Hex())
	}
	if auth.GasLimit != 250_000 {
		t.Fatalf("gas limit not applied")
	}

	if _, err := NewTransactor("", big.NewInt(1), 0); err == nil {
		t.Fatalf("expected error for empty key")
	}
	if _, err := NewTransactor(hexKey, nil, 0); err == nil {
		t.Fatalf("expected error for missing chain id")
	}
	if _, err := NewTransactor("zz", big.NewInt(1), 0); err == nil {
		t.Fatalf("expected error for invalid key")
	}
}

func TestSubmitEvaluationValidatesOptions(t *testing.T) {
	client, err := NewClient(context.Background(), Config{Name: "local", RPCURL: "http://127.0.0.1:1"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	defer client.Close()

	if _, err := client.SubmitEvaluation(context.Background(), web3.SubmitOptions{}, web3.EvaluationSubmission{}); err == nil {
		t.Fatalf("expected error without signer")
	}
	if _, err := NewClient(context.Background(), Config{}); err == nil {
		t.Fatalf("expected error without rpc url")
	}
}

var _ web3.Client = (*Client)(nil)
