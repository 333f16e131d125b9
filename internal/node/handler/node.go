// Package handler implements the HTTP API of a chainmail node.
package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/chainmail/internal/admission"
	"github.com/jmerrifield20/chainmail/internal/chain"
	"github.com/jmerrifield20/chainmail/internal/cryptobox"
	"github.com/jmerrifield20/chainmail/internal/discovery"
	"github.com/jmerrifield20/chainmail/internal/keystore"
	"github.com/jmerrifield20/chainmail/internal/reconcile"
)

// Syncer runs one reconciliation pass.
type Syncer interface {
	Sync(ctx context.Context) (reconcile.Result, error)
}

// KeyStore is the key material a node serves and resolves.
type KeyStore interface {
	admission.KeyResolver
	LocalPublicKey(hash string) (string, error)
	Publish(pem string) (string, error)
}

// resolverKeys adapts *keystore.Resolver to KeyStore.
type resolverKeys struct {
	*keystore.Resolver
}

func (r resolverKeys) Publish(pem string) (string, error) {
	return r.Local().PutPublicKey(pem)
}

// NewKeyStore wraps a keystore.Resolver for use by NodeHandler.
func NewKeyStore(r *keystore.Resolver) KeyStore {
	return resolverKeys{r}
}

// NodeHandler serves the peer-facing node API.
type NodeHandler struct {
	ledger *chain.Ledger
	keys   KeyStore
	syncer Syncer
	peers  discovery.Lister
	logger *zap.Logger
}

// NewNodeHandler creates a NodeHandler.
func NewNodeHandler(ledger *chain.Ledger, keys KeyStore, syncer Syncer, peers discovery.Lister, logger *zap.Logger) *NodeHandler {
	return &NodeHandler{ledger: ledger, keys: keys, syncer: syncer, peers: peers, logger: logger}
}

// Register mounts the node routes on the given router group.
func (h *NodeHandler) Register(rg *gin.RouterGroup) {
	rg.POST("/send", h.Send)
	rg.GET("/chain", h.Chain)
	rg.GET("/sync", h.Sync)
	rg.GET("/peers", h.Peers)
	rg.POST("/register", h.RegisterPeer)
	rg.GET("/pubkey/:hash", h.GetPublicKey)
	rg.POST("/pubkey", h.PublishPublicKey)
}

// Send handles POST /send: admit a transaction and mine it into a new block.
func (h *NodeHandler) Send(c *gin.Context) {
	var tx chain.Transaction
	if err := c.ShouldBindJSON(&tx); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid transaction format", "code": admission.CodeMalformed})
		return
	}
	tx.Memo = ""
	ctx := c.Request.Context()

	if err := admission.Admit(ctx, tx, h.ledger.Snapshot(), h.keys); err != nil {
		h.rejectTx(c, tx, err)
		return
	}

	// The duplicate check is repeated under the ledger's write lock so two
	// concurrent submissions of the same transaction cannot both be mined.
	block, err := h.ledger.AppendChecked(ctx, []chain.Transaction{tx}, func(cur chain.Chain) error {
		return admission.CheckDuplicate(tx, cur)
	})
	if err != nil {
		if admission.Code(err) != "" {
			h.rejectTx(c, tx, err)
			return
		}
		h.logger.Error("append block", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to mine block"})
		return
	}

	RecordTxAdmitted()
	h.logger.Info("message block added",
		zap.Int("index", block.Index),
		zap.String("sender", shortHash(tx.SenderHash)),
	)
	c.JSON(http.StatusOK, gin.H{"success": true, "blockIndex": block.Index})
}

func (h *NodeHandler) rejectTx(c *gin.Context, tx chain.Transaction, err error) {
	code := admission.Code(err)
	RecordTxRejected(code)

	var (
		status int
		msg    string
	)
	switch code {
	case admission.CodeMalformed:
		status, msg = http.StatusBadRequest, "Invalid transaction format"
	case admission.CodeDuplicate:
		status, msg = http.StatusConflict, "Duplicate transaction"
	case admission.CodeUnknown:
		status, msg = http.StatusForbidden, "Public key for sender not found"
	case admission.CodeBadSignature:
		status, msg = http.StatusForbidden, "Invalid signature"
	default:
		h.logger.Error("admit transaction", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to admit transaction"})
		return
	}
	h.logger.Debug("transaction rejected", zap.String("code", code), zap.String("sender", shortHash(tx.SenderHash)))
	c.JSON(status, gin.H{"error": msg, "code": code})
}

// Chain handles GET /chain: the full chain as a JSON array.
func (h *NodeHandler) Chain(c *gin.Context) {
	data, err := chain.Marshal(h.ledger.Snapshot())
	if err != nil {
		h.logger.Error("marshal chain", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to serialise chain"})
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", data)
}

// Sync handles GET /sync: run one reconciliation pass now.
func (h *NodeHandler) Sync(c *gin.Context) {
	res, err := h.syncer.Sync(c.Request.Context())
	if err != nil {
		h.logger.Error("sync", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sync failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "replaced": res.Replaced})
}

// Peers handles GET /peers: the peer URLs known to discovery.
func (h *NodeHandler) Peers(c *gin.Context) {
	peers, err := h.peers.ListPeers(c.Request.Context())
	if err != nil {
		h.logger.Warn("list peers", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Could not fetch peers from directory"})
		return
	}
	if peers == nil {
		peers = []string{}
	}
	c.JSON(http.StatusOK, peers)
}

// RegisterPeer handles POST /register. Peers are discovered through the
// directory service, so direct registration is not supported.
func (h *NodeHandler) RegisterPeer(c *gin.Context) {
	c.JSON(http.StatusNotImplemented, gin.H{"error": "This node uses the directory service for peer discovery."})
}

// GetPublicKey handles GET /pubkey/:hash from the local key store only.
func (h *NodeHandler) GetPublicKey(c *gin.Context) {
	pem, err := h.keys.LocalPublicKey(c.Param("hash"))
	if errors.Is(err, keystore.ErrKeyNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Key not found"})
		return
	}
	if err != nil {
		h.logger.Error("read public key", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read key"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"pubKey": pem})
}

type publishKeyRequest struct {
	PubKey string `json:"pubKey" binding:"required"`
}

// PublishPublicKey handles POST /pubkey: store a public key under its hash.
func (h *NodeHandler) PublishPublicKey(c *gin.Context) {
	var req publishKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "pubKey is required"})
		return
	}
	hash, err := h.keys.Publish(req.PubKey)
	if errors.Is(err, cryptobox.ErrInvalidKey) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "pubKey is not a valid RSA public key"})
		return
	}
	if err != nil {
		h.logger.Error("store public key", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store key"})
		return
	}
	h.logger.Info("public key published", zap.String("hash", shortHash(hash)))
	c.JSON(http.StatusCreated, gin.H{"hash": hash})
}

func shortHash(h string) string {
	if len(h) > 10 {
		return h[:10]
	}
	return h
}
