package main

import (
	"context"
	"fmt"
	"log"
	"net/http/httptest"
	"time"

	"Aegis-Evaluator/internal/api"
	"Aegis-Evaluator/internal/evaluator"
	"Aegis-Evaluator/internal/scoring"
	"Aegis-Evaluator/sdk/go/aegis"
)

func main() {
	scorer, err := scoring.NewLengthScorer(scoring.LengthPolicy{MinLength: 10, LowConfidence: 40, HighConfidence: 90})
	if err != nil {
		log.Fatalf("scorer: %v", err)
	}
	ev, err := evaluator.New(evaluator.Config{Mode: evaluator.ModeAccumulate, ScoringTimeout: time.Second}, scorer)
	if err != nil {
		log.Fatalf("evaluator: %v", err)
	}
	srv := httptest.NewServer(api.NewServer("", ev).Handler())
	defer srv.Close()

	client, err := aegis.NewClient(srv.URL, srv.Client())
	if err != nil {
		log.Fatalf("client: %v", err)
	}

	ctx := context.Background()
	outputs := []string{"hello", "a considerably longer answer that clears the bar", "short"}
	for i, output := range outputs {
		res, err := client.Evaluate(ctx, aegis.EvaluationRequest{QuestID: 1, AgentID: uint64(i + 1), AgentOutput: output})
		if err != nil {
			log.Fatalf("evaluate: %v", err)
		}
		if err := aegis.VerifyResponse(res, aegis.VerifyOptions{}); err != nil {
			log.Fatalf("local verification failed: %v", err)
		}
		fmt.Printf("agent %d: confidence=%d leaf=%d root=%s\n", res.AgentID, res.Confidence, res.LeafIndex, res.MerkleRoot)
	}

	proof, err := client.Proof(ctx, 0)
	if err != nil {
		log.Fatalf("proof: %v", err)
	}
	if err := aegis.VerifyProof(proof); err != nil {
		log.Fatalf("proof verification failed: %v", err)
	}
	fmt.Printf("leaf 0 still proven under root %s (tree_size=%d)\n", proof.MerkleRoot, proof.TreeSize)
}
