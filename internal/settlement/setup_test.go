package settlement

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/botmart/botmart-settlement-service/internal/events"
	"github.com/botmart/botmart-settlement-service/internal/gateway"
	"github.com/botmart/botmart-settlement-service/internal/inventory"
	"github.com/botmart/botmart-settlement-service/internal/repository"
)

const schema = `
CREATE TABLE users (
	id         BIGSERIAL PRIMARY KEY,
	chat_id    BIGINT,
	balance    BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE products (
	id         BIGSERIAL PRIMARY KEY,
	name       TEXT NOT NULL,
	price      BIGINT NOT NULL,
	stock      INT NOT NULL DEFAULT 0,
	sold_count INT NOT NULL DEFAULT 0
);

CREATE TABLE orders (
	id          BIGSERIAL PRIMARY KEY,
	user_id     BIGINT NOT NULL REFERENCES users(id),
	total_price BIGINT NOT NULL,
	status      TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE order_items (
	id         BIGSERIAL PRIMARY KEY,
	order_id   BIGINT NOT NULL REFERENCES orders(id),
	product_id BIGINT NOT NULL REFERENCES products(id),
	quantity   INT NOT NULL,
	unit_price BIGINT NOT NULL
);

CREATE TABLE payments (
	id               BIGSERIAL PRIMARY KEY,
	gateway_order_id TEXT NOT NULL UNIQUE,
	order_id         BIGINT NOT NULL REFERENCES orders(id),
	method           TEXT NOT NULL,
	status           TEXT NOT NULL,
	amount           BIGINT NOT NULL,
	fee              BIGINT NOT NULL DEFAULT 0,
	total_payable    BIGINT NOT NULL,
	expires_at       TIMESTAMPTZ,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE deposits (
	id               BIGSERIAL PRIMARY KEY,
	gateway_order_id TEXT NOT NULL UNIQUE,
	user_id          BIGINT NOT NULL REFERENCES users(id),
	method           TEXT NOT NULL,
	status           TEXT NOT NULL,
	amount           BIGINT NOT NULL,
	fee              BIGINT NOT NULL DEFAULT 0,
	total_payable    BIGINT NOT NULL,
	expires_at       TIMESTAMPTZ,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE product_contents (
	id         BIGSERIAL PRIMARY KEY,
	product_id BIGINT NOT NULL REFERENCES products(id),
	payload    TEXT NOT NULL,
	is_used    BOOLEAN NOT NULL DEFAULT FALSE,
	order_id   BIGINT REFERENCES orders(id),
	used_at    TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

func setupTestDB(t *testing.T) (*sql.DB, func()) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:14-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "testuser",
			"POSTGRES_PASSWORD": "testpass",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	postgres, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start postgres container: %v", err)
	}

	host, err := postgres.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := postgres.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	dsn := fmt.Sprintf("postgres://testuser:testpass@%s:%s/testdb?sslmode=disable", host, port.Port())

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("Failed to connect to database: %v", err)
	}
	if err := db.Ping(); err != nil {
		t.Fatalf("Failed to ping database: %v", err)
	}

	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("Failed to apply schema: %v", err)
	}

	cleanup := func() {
		if err := db.Close(); err != nil {
			t.Logf("Failed to close database: %v", err)
		}
		if err := postgres.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	}
	return db, cleanup
}

func testLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

// testEnv bundles an engine wired against a live database with a mock
// gateway and publisher.
type testEnv struct {
	db        *sql.DB
	engine    *Engine
	gateway   *gateway.MockClient
	publisher *events.MockPublisher
	orders    *repository.OrderRepository
	payments  *repository.PaymentRepository
	deposits  *repository.DepositRepository
	users     *repository.UserRepository
	products  *repository.ProductRepository
	allocator *inventory.Allocator
}

func newTestEnv(t *testing.T, db *sql.DB) *testEnv {
	t.Helper()
	logger := testLogger()

	env := &testEnv{
		db:        db,
		gateway:   gateway.NewMockClient(),
		publisher: events.NewMockPublisher(),
		orders:    repository.NewOrderRepository(db, logger),
		payments:  repository.NewPaymentRepository(db, logger),
		deposits:  repository.NewDepositRepository(db, logger),
		users:     repository.NewUserRepository(db, logger),
		products:  repository.NewProductRepository(db, logger),
		allocator: inventory.NewAllocator(db, nil, logger),
	}

	env.engine = NewEngine(Deps{
		DB:             db,
		Orders:         env.orders,
		Payments:       env.payments,
		Deposits:       env.deposits,
		Users:          env.users,
		Products:       env.products,
		Allocator:      env.allocator,
		Gateway:        env.gateway,
		Publisher:      env.publisher,
		AlertThreshold: 3,
	}, logger)
	return env
}

func (e *testEnv) createUser(t *testing.T, balance int64) int64 {
	t.Helper()
	var id int64
	err := e.db.QueryRow(
		`INSERT INTO users (chat_id, balance) VALUES (1000, $1) RETURNING id`, balance).Scan(&id)
	if err != nil {
		t.Fatalf("Create user: %v", err)
	}
	return id
}

func (e *testEnv) createProduct(t *testing.T, name string, price int64, units int) int64 {
	t.Helper()
	var id int64
	err := e.db.QueryRow(
		`INSERT INTO products (name, price, stock) VALUES ($1, $2, $3) RETURNING id`,
		name, price, units).Scan(&id)
	if err != nil {
		t.Fatalf("Create product: %v", err)
	}
	for i := 0; i < units; i++ {
		_, err := e.db.Exec(
			`INSERT INTO product_contents (product_id, payload) VALUES ($1, $2)`,
			id, fmt.Sprintf("%s-key-%d", name, i))
		if err != nil {
			t.Fatalf("Create content unit: %v", err)
		}
	}
	return id
}

func (e *testEnv) paymentStatus(t *testing.T, gatewayOrderID string) string {
	t.Helper()
	var status string
	err := e.db.QueryRow(
		`SELECT status FROM payments WHERE gateway_order_id = $1`, gatewayOrderID).Scan(&status)
	if err != nil {
		t.Fatalf("Read payment status: %v", err)
	}
	return status
}

func (e *testEnv) orderStatus(t *testing.T, orderID int64) string {
	t.Helper()
	var status string
	err := e.db.QueryRow(`SELECT status FROM orders WHERE id = $1`, orderID).Scan(&status)
	if err != nil {
		t.Fatalf("Read order status: %v", err)
	}
	return status
}

func (e *testEnv) usedUnits(t *testing.T, productID int64) int {
	t.Helper()
	var n int
	err := e.db.QueryRow(
		`SELECT COUNT(*) FROM product_contents WHERE product_id = $1 AND is_used = TRUE`,
		productID).Scan(&n)
	if err != nil {
		t.Fatalf("Count used units: %v", err)
	}
	return n
}

func (e *testEnv) storedStock(t *testing.T, productID int64) int {
	t.Helper()
	var n int
	err := e.db.QueryRow(`SELECT stock FROM products WHERE id = $1`, productID).Scan(&n)
	if err != nil {
		t.Fatalf("Read stock: %v", err)
	}
	return n
}
