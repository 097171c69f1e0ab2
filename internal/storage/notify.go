package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"fusion_gateway/internal/utils"
)

// PricingChannel is the Postgres NOTIFY channel rate and setting writers
// publish on. Payloads are "rate:<provider>/<model>" or "setting:<key>".
const PricingChannel = "fusion_pricing_changed"

const (
	changeKindRate    = "rate"
	changeKindSetting = "setting"
)

const (
	listenerMinReconnect = 2 * time.Second
	listenerMaxReconnect = time.Minute
	listenerPingInterval = 30 * time.Second
)

// notifyPricingChange queues a notification that Postgres delivers when the
// surrounding transaction commits, and drops if it rolls back
func notifyPricingChange(ctx context.Context, tx *sqlx.Tx, kind, key string) error {
	if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, PricingChannel, kind+":"+key); err != nil {
		return fmt.Errorf("failed to publish pricing change: %w", err)
	}
	return nil
}

// CacheInvalidator keeps a DB's read caches coherent with writes made by other
// processes, such as the admin CLI. Caching is enabled only while its
// listener connection is up and subscribed.
type CacheInvalidator struct {
	db       *DB
	dsn      string
	listener *pq.Listener
	logger   *utils.Logger

	mu         sync.Mutex
	connected  bool
	subscribed bool

	stop chan struct{}
	done chan struct{}
}

// NewCacheInvalidator creates an invalidator for db that listens over its own
// connection to dsn
func NewCacheInvalidator(db *DB, dsn string) *CacheInvalidator {
	return &CacheInvalidator{
		db:     db,
		dsn:    dsn,
		logger: utils.NewLogger("cache-invalidator"),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start subscribes to PricingChannel and processes notifications until Stop
func (c *CacheInvalidator) Start() error {
	c.listener = pq.NewListener(c.dsn, listenerMinReconnect, listenerMaxReconnect, c.onEvent)
	if err := c.listener.Listen(PricingChannel); err != nil {
		c.listener.Close()
		return fmt.Errorf("failed to listen on %s: %w", PricingChannel, err)
	}
	c.setState(func() { c.subscribed = true })

	go c.run()
	c.logger.Info("Listening for pricing changes", "channel", PricingChannel)
	return nil
}

// Stop closes the listener and turns caching off
func (c *CacheInvalidator) Stop() error {
	close(c.stop)
	err := c.listener.Close()
	<-c.done
	c.setState(func() { c.subscribed = false })
	return err
}

func (c *CacheInvalidator) run() {
	defer close(c.done)

	ticker := time.NewTicker(listenerPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case n, ok := <-c.listener.Notify:
			if !ok {
				return
			}
			c.handle(n)
		case <-ticker.C:
			// A silently dropped connection only surfaces on the next round trip
			go func() {
				if err := c.listener.Ping(); err != nil {
					c.logger.Warn("Pricing listener ping failed", "error", err)
				}
			}()
		}
	}
}

// handle applies one notification. The listener sends nil after a reconnect,
// when anything may have changed.
func (c *CacheInvalidator) handle(n *pq.Notification) {
	if n == nil {
		c.db.applyPricingChange("")
		return
	}
	c.db.applyPricingChange(n.Extra)
}

func (c *CacheInvalidator) onEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventConnected, pq.ListenerEventReconnected:
		c.logger.Info("Pricing listener connected")
		c.setState(func() { c.connected = true })
	case pq.ListenerEventDisconnected:
		c.logger.Warn("Pricing listener disconnected, caches bypassed until it reconnects", "error", err)
		c.setState(func() { c.connected = false })
	case pq.ListenerEventConnectionAttemptFailed:
		c.logger.Warn("Pricing listener reconnect failed", "error", err)
	}
}

func (c *CacheInvalidator) setState(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn()
	c.db.setCaching(c.connected && c.subscribed)
}
