// Package reward is the Reward Engine (C10, §4.10): consumes `reward` bus messages
// and disburses on-chain token transfers to a Node and, optionally, a core recipient.
// Its Amount/address shape is grounded on the teacher's `consensus/shares.Expense`
// (Amount in the smallest on-chain unit, an address recipient); its HTTP transfer
// client follows `messaging/blocks.FetchBlock`'s request/timeout shape and makes a
// single attempt per transfer.
package reward

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/calendrion/core/internal/blockstore"
	"github.com/calendrion/core/internal/bus"
	"github.com/calendrion/core/internal/calcore"
	"github.com/calendrion/core/internal/calerr"
	"github.com/calendrion/core/internal/signer"
)

const transferTimeout = 10 * time.Second

// Payee is one transfer recipient, per §4.10's `{address,amount}` shape.
type Payee struct {
	Address string `json:"address"`
	Amount  int64  `json:"amount"`
}

// Order is the `reward` bus message payload.
type Order struct {
	Node Payee  `json:"node"`
	Core *Payee `json:"core,omitempty"`
}

// Transferer performs the external token transfer. Production wiring points this at
// the token-transfer service; tests substitute a fake.
type Transferer interface {
	Transfer(ctx context.Context, to string, amount int64) (txID string, err error)
}

// HTTPTransferer calls an external transfer endpoint with a bounded timeout, matching
// §5's "HTTP balance/reward calls use a 10s timeout."
type HTTPTransferer struct {
	Endpoint string
	Client   *http.Client
}

func NewHTTPTransferer(endpoint string) *HTTPTransferer {
	return &HTTPTransferer{Endpoint: endpoint, Client: &http.Client{Timeout: transferTimeout}}
}

func (h *HTTPTransferer) Transfer(ctx context.Context, to string, amount int64) (string, error) {
	body, _ := json.Marshal(struct {
		ToAddr string `json:"to_addr"`
		Value  int64  `json:"value"`
	}{to, amount})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", calerr.Wrap(calerr.Fatal, "building transfer request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.Client.Do(req)
	if err != nil {
		return "", calerr.Wrap(calerr.Transient, "calling transfer service", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", calerr.New(calerr.Transient, fmt.Sprintf("transfer service returned %d", resp.StatusCode))
	}
	var out struct {
		TrxID string `json:"trx_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", calerr.Wrap(calerr.Transient, "decoding transfer response", err)
	}
	return out.TrxID, nil
}

// Engine drains `reward` messages and appends `reward` blocks recording the resulting
// transaction ids, per §4.10.
type Engine struct {
	store   *blockstore.Store
	sign    *signer.Signer
	xfer    Transferer
	stackID string
}

func New(store *blockstore.Store, sign *signer.Signer, xfer Transferer, stackID string) *Engine {
	return &Engine{store: store, sign: sign, xfer: xfer, stackID: stackID}
}

// Consume processes one buffered reward message, always acking regardless of transfer
// outcome to prevent double-pay on redelivery, per §4.10's idempotency rule.
func (e *Engine) Consume(ctx context.Context, m *bus.Message) {
	defer m.Ack()

	var order Order
	if err := json.Unmarshal(m.Payload, &order); err != nil {
		calcore.Log(fmt.Sprintf("reward: malformed order %s: %s", m.ID, err), 2)
		return
	}

	nodeTx, err := e.xfer.Transfer(ctx, order.Node.Address, order.Node.Amount)
	if err != nil {
		calcore.Log(fmt.Sprintf("reward: node transfer failed for %s: %s", order.Node.Address, err), 2)
	}

	var coreTx string
	if order.Core != nil {
		coreTx, err = e.xfer.Transfer(ctx, order.Core.Address, order.Core.Amount)
		if err != nil {
			calcore.Log(fmt.Sprintf("reward: core transfer failed for %s: %s", order.Core.Address, err), 2)
		}
	}

	if err := e.appendRewardBlock(order, nodeTx, coreTx); err != nil {
		calcore.Log(fmt.Sprintf("reward: block write failed: %s", err), 1)
	}
}

func (e *Engine) appendRewardBlock(order Order, nodeTx, coreTx string) error {
	dataID := nodeTx
	dataVal := fmt.Sprintf("%s:%d", order.Node.Address, order.Node.Amount)
	if order.Core != nil {
		dataID = strings.Join([]string{nodeTx, coreTx}, ":")
		dataVal = fmt.Sprintf("%s:%d:%s:%d", order.Node.Address, order.Node.Amount, order.Core.Address, order.Core.Amount)
	}

	tip, ok := e.store.Tip()
	prevHash := calcore.ZeroHash
	nextID := int64(0)
	if ok {
		prevHash = tip.Hash
		nextID = tip.ID + 1
	}
	b := calcore.Block{
		ID:       nextID,
		Time:     time.Now().Unix(),
		Version:  calcore.SchemaVersion,
		StackID:  e.stackID,
		Type:     calcore.BlockReward,
		DataID:   dataID,
		DataVal:  dataVal,
		PrevHash: prevHash,
	}
	b.Hash = calcore.BlockHash(b)
	sig, err := e.sign.Sign(b.Hash)
	if err != nil {
		return calerr.Wrap(calerr.Fatal, "signing reward block", err)
	}
	b.Sig = sig
	return e.store.Append(b)
}
