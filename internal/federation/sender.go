package federation

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"AllocMesh/internal/model"
	"AllocMesh/internal/store"
)

// Wire headers of the federation bundle POST.
const (
	HeaderPeer      = "X-Allocmesh-Peer"
	HeaderSignature = "X-Allocmesh-Signature"
	HeaderDigest    = "X-Allocmesh-Digest"
)

// Sender delivers queued bundles to every send-enabled peer. Each attempt
// uses exponential backoff with a hard retry ceiling; peer networks are
// unreliable and unbounded retries would pile up across cycles.
type Sender struct {
	Store      *store.Store
	Signer     *Signer
	NodeName   string
	MaxRetries int
	Client     *http.Client
}

// NewSender creates a Sender with a bounded per-request timeout.
func NewSender(st *store.Store, signer *Signer, nodeName string, maxRetries, timeoutSec int) *Sender {
	return &Sender{
		Store:      st,
		Signer:     signer,
		NodeName:   nodeName,
		MaxRetries: maxRetries,
		Client:     &http.Client{Timeout: time.Duration(timeoutSec) * time.Second},
	}
}

// DeliverQueued pushes every queued bundle to all send-enabled peers.
// Delivery to one peer is independent of every other peer; per-peer
// failures are collected, and the bundle is marked failed only when no
// peer accepted it. A failed bundle is terminal: its window has passed
// and the next cycle exports a fresh one instead of replaying it.
func (s *Sender) DeliverQueued(ctx context.Context) {
	bundles, err := s.Store.QueuedBundles()
	if err != nil {
		log.Printf("[ERROR] sender: list queued bundles: %v", err)
		return
	}
	if len(bundles) == 0 {
		return
	}
	peers, endpoints, err := s.Store.SendTargets()
	if err != nil {
		log.Printf("[ERROR] sender: list peers: %v", err)
		return
	}
	if len(peers) == 0 {
		log.Println("[WARN] sender: no send-enabled peers registered")
		return
	}

	for _, bundle := range bundles {
		delivered := 0
		attempts := bundle.Attempts
		for _, peer := range peers {
			endpoint := endpoints[peer.PeerName]
			if endpoint == "" {
				log.Printf("[WARN] sender: peer %s has no endpoint", peer.PeerName)
				continue
			}
			tries, err := s.sendWithRetry(ctx, endpoint, bundle)
			attempts += tries
			if err != nil {
				log.Printf("[ERROR] sender: bundle %s to %s: %v", bundle.ID, peer.PeerName, err)
				s.Store.AuditEvent("bundle_send", "", "error", "warn",
					fmt.Sprintf("bundle=%s peer=%s: %v", bundle.ID, peer.PeerName, err))
				continue
			}
			delivered++
		}

		status := model.BundleSent
		if delivered == 0 {
			status = model.BundleFailed
		}
		if err := s.Store.MarkBundleAttempt(bundle.ID, status, attempts); err != nil {
			log.Printf("[ERROR] sender: mark bundle %s: %v", bundle.ID, err)
		}
		log.Printf("[INFO] sender: bundle %s delivered to %d/%d peers", bundle.ID, delivered, len(peers))
	}
}

// sendWithRetry POSTs one bundle to one peer, retrying transient failures
// with exponential backoff up to the configured ceiling. It reports how
// many HTTP attempts were made so the bundle's attempts counter reflects
// retries, not just passes.
func (s *Sender) sendWithRetry(ctx context.Context, endpoint string, bundle model.OutboundBundle) (int, error) {
	sig := base64.StdEncoding.EncodeToString(s.Signer.Sign(bundle.Payload))

	tries := 0
	operation := func() error {
		tries++
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(bundle.Payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(HeaderPeer, s.NodeName)
		req.Header.Set(HeaderSignature, sig)
		req.Header.Set(HeaderDigest, bundle.ContentHash)

		resp, err := s.Client.Do(req)
		if err != nil {
			return fmt.Errorf("post bundle: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			return nil
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		respErr := fmt.Errorf("peer status %d, body: %s", resp.StatusCode, string(body))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			// The peer rejected the bundle itself; retrying the same bytes
			// cannot succeed.
			return backoff.Permanent(respErr)
		}
		return respErr
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(s.MaxRetries)), ctx)
	return tries, backoff.Retry(operation, policy)
}
