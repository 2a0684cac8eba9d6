// Copyright 2025 Certen Protocol
package audittrail

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/aggregatornet/aggregator/pkg/types"
)

// Service mirrors sealed blocks to the blocks collection. It implements
// the round manager's BlockObserver.
type Service struct {
	client   *Client
	serverID string
	logger   *log.Logger
}

// NewService constructs a Service over client.
func NewService(client *Client, serverID string) *Service {
	return &Service{
		client:   client,
		serverID: serverID,
		logger:   log.New(log.Writer(), "[AuditTrail] ", log.LstdFlags),
	}
}

// blockDocument is the Firestore shape of one sealed block.
type blockDocument struct {
	EntryID         string    `firestore:"entryId"`
	BlockNumber     int64     `firestore:"blockNumber"`
	RootHash        string    `firestore:"rootHash"`
	PreviousHash    string    `firestore:"previousBlockHash"`
	CommitmentCount int       `firestore:"commitmentCount"`
	Timestamp       time.Time `firestore:"timestamp"`
	ServerID        string    `firestore:"serverId"`
	MirroredAt      time.Time `firestore:"mirroredAt"`
}

// OnBlockSealed mirrors block to Firestore. Failures are logged and
// swallowed: the mirror must never influence round outcomes.
func (s *Service) OnBlockSealed(ctx context.Context, block types.Block, records types.BlockRecords) {
	if !s.client.IsEnabled() {
		return
	}

	doc := blockDocument{
		EntryID:         uuid.New().String(),
		BlockNumber:     int64(block.Index),
		RootHash:        hex.EncodeToString(block.RootHash),
		PreviousHash:    hex.EncodeToString(block.PreviousBlockHash),
		CommitmentCount: len(records.RequestIDs),
		Timestamp:       block.Timestamp,
		ServerID:        s.serverID,
		MirroredAt:      time.Now().UTC(),
	}

	writeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	docID := fmt.Sprintf("%d", block.Index)
	if _, err := s.client.firestore.Collection("blocks").Doc(docID).Set(writeCtx, doc); err != nil {
		s.logger.Printf("warning: failed to mirror block %d: %v", block.Index, err)
		return
	}
}
