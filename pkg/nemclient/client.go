/**
 * @description
 * This package provides a client for interacting with a NEM NIS node. It
 * encapsulates the logic for announcing mosaic transfers and querying
 * mosaic balances over NIS's REST API, mapping node responses onto the
 * transfer outcomes the settlement scheduler understands.
 *
 * @dependencies
 * - bytes, context, encoding/json, net/http, time: Standard Go libraries.
 * - internal/domain: Transfer outcome constants.
 */
package nemclient

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/cloudkserg/middleware-eth-nem-action-processor/internal/domain"
)

// NIS request result codes (NemRequestResult.code) we act on.
const (
	resultSuccess    = 1
	resultNeutral    = 2
	resultHashExists = 7
)

// Flat fee for a single-mosaic transfer carrying a short plain message,
// in µXEM.
const transferFee = 150000

const transferDeadline = time.Hour

// nemEpoch is the network's time origin; NIS timestamps are seconds since
// this instant.
var nemEpoch = time.Date(2015, time.March, 29, 0, 6, 25, 0, time.UTC)

// Client is a client for a NIS node.
type Client struct {
	BaseURL         string
	PrivateKey      string
	MosaicNamespace string
	MosaicName      string
	HTTPClient      *http.Client

	networkVersion int32

	// Resubmissions of the same idempotency key reuse the original
	// timestamp so the announced transaction hashes identically and the
	// node reports it as already known instead of paying twice. The map
	// is in-process only and does not survive a restart; the post-crash
	// path is the stale-claim sweep, which re-checks the destination's
	// mosaic balance before deciding to record or resubmit.
	mu         sync.Mutex
	timestamps map[string]int32
}

// NewClient creates a new NIS client. Network is "mainnet" or "testnet".
func NewClient(baseURL, network, privateKey, mosaicNamespace, mosaicName string) *Client {
	networkByte := int32(0x98) // testnet
	if network == "mainnet" {
		networkByte = 0x68
	}
	return &Client{
		BaseURL:         baseURL,
		PrivateKey:      privateKey,
		MosaicNamespace: mosaicNamespace,
		MosaicName:      mosaicName,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		networkVersion: networkByte<<24 | 1,
		timestamps:     make(map[string]int32),
	}
}

type mosaicID struct {
	NamespaceID string `json:"namespaceId"`
	Name        string `json:"name"`
}

type mosaicAttachment struct {
	MosaicID mosaicID `json:"mosaicId"`
	Quantity int64    `json:"quantity"`
}

type transferMessage struct {
	Payload string `json:"payload"`
	Type    int    `json:"type"`
}

type transferTransaction struct {
	Type      int                `json:"type"`
	Version   int32              `json:"version"`
	TimeStamp int32              `json:"timeStamp"`
	Deadline  int32              `json:"deadline"`
	Fee       int64              `json:"fee"`
	Recipient string             `json:"recipient"`
	Amount    int64              `json:"amount"`
	Message   transferMessage    `json:"message"`
	Mosaics   []mosaicAttachment `json:"mosaics"`
}

type prepareAnnounceRequest struct {
	Transaction transferTransaction `json:"transaction"`
	PrivateKey  string              `json:"privateKey"`
}

// announceResult is NIS's NemAnnounceResult.
type announceResult struct {
	Type            int    `json:"type"`
	Code            int    `json:"code"`
	Message         string `json:"message"`
	TransactionHash struct {
		Data string `json:"data"`
	} `json:"transactionHash"`
}

type mosaicOwnedResponse struct {
	Data []struct {
		MosaicID mosaicID `json:"mosaicId"`
		Quantity int64    `json:"quantity"`
	} `json:"data"`
}

func (c *Client) timestampFor(idempotencyKey string) int32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := int32(time.Since(nemEpoch) / time.Second)
	if ts, ok := c.timestamps[idempotencyKey]; ok && now < ts+int32(transferDeadline/time.Second) {
		return ts
	}
	// Drop entries whose deadline has passed; their hashes can no longer
	// collide with a live transaction anyway.
	for key, ts := range c.timestamps {
		if now >= ts+int32(transferDeadline/time.Second) {
			delete(c.timestamps, key)
		}
	}
	c.timestamps[idempotencyKey] = now
	return now
}

// SubmitTransfer announces a mosaic transfer of the given quantity to the
// destination address. The idempotency key travels in the transfer message
// and pins the transaction timestamp, so replaying the same key yields the
// same transaction hash. Transport failures and neutral validation results
/// map to TransferPending per the scheduler's contract: the caller must
// re-verify before resubmitting, never assume the transfer was lost.
func (c *Client) SubmitTransfer(ctx context.Context, destination string, quantity int64, idempotencyKey string) (domain.TransferStatus, error) {
	ts := c.timestampFor(idempotencyKey)

	reqBody := prepareAnnounceRequest{
		Transaction: transferTransaction{
			Type:      257,
			Version:   c.networkVersion,
			TimeStamp: ts,
			Deadline:  ts + int32(transferDeadline/time.Second),
			Fee:       transferFee,
			Recipient: destination,
			Amount:    1000000, // 1 XEM carrier; transferred value rides on the mosaic attachment
			Message: transferMessage{
				Payload: hex.EncodeToString([]byte(idempotencyKey)),
				Type:    1,
			},
			Mosaics: []mosaicAttachment{
				{
					MosaicID: mosaicID{NamespaceID: c.MosaicNamespace, Name: c.MosaicName},
					Quantity: quantity,
				},
			},
		},
		PrivateKey: c.PrivateKey,
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return domain.TransferRejected, fmt.Errorf("marshal transfer: %w", err)
	}

	url := fmt.Sprintf("%s/transaction/prepare-announce", c.BaseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(payload))
	if err != nil {
		return domain.TransferRejected, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		log.Printf("level=warn component=nemclient msg=\"announce request failed\" dest=%s err=%v", destination, err)
		return domain.TransferPending, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		log.Printf("level=warn component=nemclient msg=\"node error on announce\" dest=%s status=%d", destination, resp.StatusCode)
		return domain.TransferPending, nil
	}
	if resp.StatusCode != http.StatusOK {
		return domain.TransferRejected, fmt.Errorf("announce returned status %d", resp.StatusCode)
	}

	var result announceResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return domain.TransferPending, nil
	}

	switch result.Code {
	case resultSuccess:
		return domain.TransferConfirmed, nil
	case resultHashExists:
		// The node already holds this exact transaction; the earlier
		// announce landed.
		return domain.TransferConfirmed, nil
	case resultNeutral:
		return domain.TransferPending, nil
	default:
		log.Printf("level=warn component=nemclient msg=\"announce rejected\" dest=%s code=%d detail=%q", destination, result.Code, result.Message)
		return domain.TransferRejected, nil
	}
}

// QueryMosaicBalance returns the quantity of the configured mosaic owned by
// the given NEM address.
func (c *Client) QueryMosaicBalance(ctx context.Context, address string) (int64, error) {
	url := fmt.Sprintf("%s/account/mosaic/owned?address=%s", c.BaseURL, address)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("mosaic query returned status %d", resp.StatusCode)
	}

	var owned mosaicOwnedResponse
	if err := json.NewDecoder(resp.Body).Decode(&owned); err != nil {
		return 0, err
	}

	for _, entry := range owned.Data {
		if entry.MosaicID.NamespaceID == c.MosaicNamespace && entry.MosaicID.Name == c.MosaicName {
			return entry.Quantity, nil
		}
	}
	return 0, nil
}
