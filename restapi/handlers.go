package restapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	log "log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sharedcode/glassdb"
	"github.com/sharedcode/glassdb/database"
)

// Options configures the HTTP surface.
type Options struct {
	// Token, when set, is the bearer token every request must carry.
	Token string `json:"token,omitempty"`
	// RequestTimeout bounds the work done for one request.
	RequestTimeout time.Duration `json:"request_timeout,omitempty"`
	// MaxValueSize bounds the body of a key write.
	MaxValueSize int64 `json:"max_value_size,omitempty"`
	Logger       *log.Logger `json:"-"`
}

const (
	defaultRequestTimeout = 30 * time.Second
	defaultMaxValueSize   = 16 * 1024 * 1024
	// BasePath prefixes every route.
	BasePath = "/api/v1"
)

type handlers struct {
	db   *database.DB
	opts Options
}

// NewRouter returns a gin engine serving db under BasePath.
func NewRouter(db *database.DB, opts Options) (*gin.Engine, error) {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.MaxValueSize <= 0 {
		opts.MaxValueSize = defaultMaxValueSize
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	h := &handlers{db: db, opts: opts}

	r := NewRegistry()
	for _, m := range []RestMethod{
		{GET, "/keys", h.listKeys},
		{GET_ONE, "/keys/:key", h.readKey},
		{PUT, "/keys/:key", h.writeKey},
		{DELETE, "/keys/:key", h.deleteKey},
		{POST, "/tx", h.runTx},
		{GET, "/stats", h.stats},
		{POST, "/gc", h.collectGarbage},
	} {
		if err := r.Register(m); err != nil {
			return nil, err
		}
	}

	router := gin.New()
	router.Use(gin.Recovery())
	v1 := router.Group(BasePath)
	r.Mount(v1, h.verifyHeaderToken)
	return router, nil
}

// verifyHeaderToken rejects requests without the configured bearer token.
func (h *handlers) verifyHeaderToken(realHandler gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.opts.Token != "" {
			token, ok := strings.CutPrefix(c.Request.Header.Get("Authorization"), "Bearer ")
			if !ok || token != h.opts.Token {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "missing or invalid bearer token"})
				return
			}
		}
		realHandler(c)
	}
}

func (h *handlers) context(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), h.opts.RequestTimeout)
}

// collection resolves a slash separated collection path. Empty is the root.
func (h *handlers) collection(path string) *database.Collection {
	coll := h.db.Root()
	for _, name := range strings.Split(path, "/") {
		if name == "" {
			continue
		}
		coll = coll.Collection(name)
	}
	return coll
}

func (h *handlers) fail(c *gin.Context, op string, err error) {
	status := http.StatusInternalServerError
	var gerr glassdb.Error
	switch {
	case errors.Is(err, glassdb.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, glassdb.ErrAborted):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, glassdb.ErrClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case errors.As(err, &gerr) && gerr.Code == glassdb.RetriesExhausted:
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		h.opts.Logger.Error("request failed", "op", op, "error", err)
	}
	c.IndentedJSON(status, gin.H{"message": fmt.Sprintf("%s failed, error: %v", op, err)})
}

func (h *handlers) listKeys(c *gin.Context) {
	ctx, cancel := h.context(c)
	defer cancel()
	keys, err := h.collection(c.Query("collection")).Keys(ctx)
	if err != nil {
		h.fail(c, "list keys", err)
		return
	}
	if keys == nil {
		keys = []string{}
	}
	c.IndentedJSON(http.StatusOK, keys)
}

func (h *handlers) readKey(c *gin.Context) {
	ctx, cancel := h.context(c)
	defer cancel()
	v, err := h.collection(c.Query("collection")).ReadStrong(ctx, c.Param("key"))
	if err != nil {
		h.fail(c, "read", err)
		return
	}
	c.Data(http.StatusOK, "application/octet-stream", v)
}

func (h *handlers) writeKey(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, h.opts.MaxValueSize))
	if err != nil {
		c.IndentedJSON(http.StatusRequestEntityTooLarge, gin.H{"message": fmt.Sprintf("reading value failed, error: %v", err)})
		return
	}
	ctx, cancel := h.context(c)
	defer cancel()
	if err := h.collection(c.Query("collection")).Write(ctx, c.Param("key"), body); err != nil {
		h.fail(c, "write", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) deleteKey(c *gin.Context) {
	ctx, cancel := h.context(c)
	defer cancel()
	if err := h.collection(c.Query("collection")).Delete(ctx, c.Param("key")); err != nil {
		h.fail(c, "delete", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// KeyRef addresses a key of a collection.
type KeyRef struct {
	Collection string `json:"collection"`
	Key        string `json:"key" binding:"required"`
}

// KeyValue is a key with its value. Value is base64 in JSON.
type KeyValue struct {
	KeyRef
	Value []byte `json:"value"`
	// Found is false when a read key does not exist.
	Found bool `json:"found"`
}

// TxRequest is one atomic batch: every read observes the same snapshot the
// writes and deletes are committed against.
type TxRequest struct {
	Reads   []KeyRef   `json:"reads"`
	Writes  []KeyValue `json:"writes"`
	Deletes []KeyRef   `json:"deletes"`
}

// TxResponse carries the values read by a TxRequest.
type TxResponse struct {
	ID    string     `json:"id"`
	Reads []KeyValue `json:"reads"`
}

func (h *handlers) runTx(c *gin.Context) {
	var req TxRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.IndentedJSON(http.StatusBadRequest, gin.H{"message": fmt.Sprintf("invalid transaction, error: %v", err)})
		return
	}
	ctx, cancel := h.context(c)
	defer cancel()

	var resp TxResponse
	err := h.db.Tx(ctx, func(ctx context.Context, tx *database.Tx) error {
		resp = TxResponse{ID: tx.ID().String(), Reads: make([]KeyValue, 0, len(req.Reads))}
		for _, r := range req.Reads {
			v, err := tx.Read(ctx, h.collection(r.Collection), r.Key)
			if err != nil && !errors.Is(err, glassdb.ErrNotFound) {
				return err
			}
			resp.Reads = append(resp.Reads, KeyValue{KeyRef: r, Value: v, Found: err == nil})
		}
		for _, w := range req.Writes {
			if err := tx.Write(h.collection(w.Collection), w.Key, w.Value); err != nil {
				return err
			}
		}
		for _, d := range req.Deletes {
			if err := tx.Delete(h.collection(d.Collection), d.Key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		h.fail(c, "transaction", err)
		return
	}
	c.IndentedJSON(http.StatusOK, resp)
}

func (h *handlers) stats(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, h.db.Stats())
}

func (h *handlers) collectGarbage(c *gin.Context) {
	ctx, cancel := h.context(c)
	defer cancel()
	report, err := h.db.CollectGarbage(ctx)
	if err != nil {
		h.fail(c, "garbage collection", err)
		return
	}
	c.IndentedJSON(http.StatusOK, report)
}
