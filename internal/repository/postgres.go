// Package repository содержит реализацию доступа к данным в PostgreSQL.
//
// Все мутации, затрагивающие счётчики экземпляров книги или очередь броней,
// выполняются в транзакции с блокировкой строки книги (SELECT ... FOR UPDATE):
// это сериализует конкурентные операции над одной книгой и исключает двойное
// списание последнего экземпляра.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Ошибки бизнес-правил. Обработчики транспортного слоя сопоставляют их
// с HTTP-кодами через errors.Is.
var (
	// ErrBookNotFound возвращается, если книга не найдена.
	ErrBookNotFound = errors.New("book not found")
	// ErrUserNotFound возвращается, если читатель не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrBookNotAvailable возвращается при попытке выдачи книги без свободных экземпляров.
	ErrBookNotAvailable = errors.New("book not available")
	// ErrReservedForAnotherUser возвращается, если освободившийся экземпляр удерживается бронью другого читателя.
	ErrReservedForAnotherUser = errors.New("book reserved for another user")
	// ErrQueueExists возвращается, если в очереди броней первым стоит другой читатель.
	ErrQueueExists = errors.New("reservation queue exists for book")
	// ErrLoanNotFound возвращается, если выдача не найдена.
	ErrLoanNotFound = errors.New("loan not found")
	// ErrLoanAlreadyReturned возвращается при повторном возврате выдачи.
	ErrLoanAlreadyReturned = errors.New("loan already returned")
	// ErrLoanNotActive возвращается при попытке продлить неактивную выдачу.
	ErrLoanNotActive = errors.New("loan not active")
	// ErrLoanOverdue возвращается при попытке продлить просроченную выдачу.
	ErrLoanOverdue = errors.New("loan overdue")
	// ErrMaxExtensionsReached возвращается при исчерпании лимита продлений.
	ErrMaxExtensionsReached = errors.New("max extensions reached")
	// ErrReservedByOthers возвращается, если продлению мешает бронь другого читателя.
	ErrReservedByOthers = errors.New("book reserved by other users")
	// ErrBookAvailable возвращается при попытке брони книги со свободными экземплярами.
	ErrBookAvailable = errors.New("book currently available, loan it instead")
	// ErrAlreadyReserved возвращается, если у читателя уже есть действующая бронь этой книги.
	ErrAlreadyReserved = errors.New("user already has an active reservation for book")
	// ErrReservationNotFound возвращается, если бронь не найдена.
	ErrReservationNotFound = errors.New("reservation not found")
	// ErrReservationNotCancellable возвращается при отмене брони в конечном статусе.
	ErrReservationNotCancellable = errors.New("reservation cannot be cancelled")
	// ErrFineNotFound возвращается, если штраф не найден.
	ErrFineNotFound = errors.New("fine not found")
	// ErrFineForbidden возвращается при попытке оплатить чужой штраф.
	ErrFineForbidden = errors.New("fine belongs to another user")
	// ErrFineAlreadyPaid возвращается для оплаченного штрафа без квитанции.
	ErrFineAlreadyPaid = errors.New("fine already paid")
	// ErrFineNotPayable возвращается для штрафа в статусе, не допускающем оплату.
	ErrFineNotPayable = errors.New("fine not payable")
	// ErrReceiptNotFound возвращается, если квитанция не найдена.
	ErrReceiptNotFound = errors.New("receipt not found")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет операцию при временных ошибках сериализации и дедлоках.
// Конкурентные транзакции над одной книгой могут конфликтовать на блокировке
// строки — повтор с нуля безопасен, так как операция целиком в одной транзакции.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(3, retry.NewExponential(500*time.Millisecond))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				return retry.RetryableError(err)
			}
		}

		return err
	})
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// lockBook блокирует строку книги до конца транзакции и возвращает её название
// и число свободных экземпляров.
func lockBook(ctx context.Context, tx pgx.Tx, bookID int64) (title string, available int, err error) {
	err = tx.QueryRow(ctx,
		`SELECT title, copies_available FROM books WHERE id = $1 FOR UPDATE`,
		bookID,
	).Scan(&title, &available)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", 0, ErrBookNotFound
		}
		return "", 0, fmt.Errorf("lock book: %w", err)
	}
	return title, available, nil
}

// UserExists проверяет наличие читателя. Справочник читателей живёт в том же
// хранилище; запись и профили находятся вне зоны ответственности сервиса.
func (r *PostgresRepository) UserExists(ctx context.Context, userID int64) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`,
		userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check user: %w", err)
	}
	return exists, nil
}
