/**
 * @description
 * This file wires the queue-based claim intake path. The transport adapter
 * that carries claim blobs between devices delivers them here with
 * at-least-once semantics and in no particular order; settlement's
 * idempotency on the claim nonce makes redelivery harmless.
 *
 * @dependencies
 * - internal/domain, internal/store: Claim model and storage errors.
 * - pkg/rabbitmq: The queue consumer.
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/pinkpay/settlement-service/internal/domain"
	"github.com/pinkpay/settlement-service/internal/store"
	"github.com/pinkpay/settlement-service/pkg/rabbitmq"
)

const routingKeyClaimSubmitted = "claim.submitted"

const claimSettleTimeout = 30 * time.Second

// StartClaimConsumer binds the claim submission queue and settles each
// delivered claim. Deliveries are acked on any terminal outcome (settled,
// replayed, or rejected with an authorization error) and requeued only when
// settlement could legitimately succeed later: concurrency conflicts and
// infrastructure failures.
func StartClaimConsumer(consumer *rabbitmq.Consumer, service *Service, exchange, queueName string) error {
	return consumer.ConsumeWithBindings(exchange, queueName, map[string]func([]byte) bool{
		routingKeyClaimSubmitted: func(body []byte) bool {
			return handleSubmittedClaim(service, body)
		},
	})
}

func handleSubmittedClaim(service *Service, body []byte) bool {
	var claim domain.PaymentClaim
	if err := json.Unmarshal(body, &claim); err != nil {
		log.Printf("level=error component=claim_consumer msg=\"undecodable claim blob; dropping\" err=%v", err)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), claimSettleTimeout)
	defer cancel()

	outcome, err := service.SettleClaim(ctx, &claim)
	switch {
	case err == nil:
		return true
	case errors.Is(err, store.ErrConcurrentModification):
		return false
	case outcome != nil && outcome.Record != nil:
		// Rejected with an audit record: terminal, nothing to retry.
		log.Printf("level=warn component=claim_consumer msg=\"claim rejected\" claim_nonce=%s reason=%s",
			claim.Nonce, ReasonForError(err))
		return true
	case errors.Is(err, ErrIncompleteClaim) || errors.Is(err, ErrInvalidAmount):
		// Malformed claims never become settleable.
		log.Printf("level=warn component=claim_consumer msg=\"invalid claim; dropping\" claim_nonce=%s err=%v", claim.Nonce, err)
		return true
	default:
		// Infrastructure failure; redelivery will retry.
		log.Printf("level=error component=claim_consumer msg=\"settlement failed; re-queuing\" claim_nonce=%s err=%v", claim.Nonce, err)
		return false
	}
}
