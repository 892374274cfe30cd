package zorel

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	moderncsqlite "modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

// Sentinel errors for common failure cases
var (
	// ErrConfiguration is returned when an association or table is mapped
	// inconsistently (key arity mismatch, unknown strategy, missing key field).
	// It signals a mapping defect and must never be retried.
	ErrConfiguration = errors.New("zorel: invalid configuration")

	// ErrDataIntegrity is returned when fetched rows cannot be matched because
	// a binding key is missing or a singular association found several rows.
	ErrDataIntegrity = errors.New("zorel: data integrity violation")

	// ErrPrecondition is returned before any I/O when an operation is called
	// with entities that are not persisted or lack key values.
	ErrPrecondition = errors.New("zorel: precondition violated")

	// ErrRecordNotFound is returned when a query returns no results
	ErrRecordNotFound = errors.New("zorel: record not found")

	// ErrAssociationNotFound is returned when an association name is not registered
	ErrAssociationNotFound = errors.New("zorel: association not found")

	// ErrInvalidEntity is returned when an entity carries errors and cannot be saved
	ErrInvalidEntity = errors.New("zorel: invalid entity")

	// ErrDeleteFailed is returned when a cascaded per-row delete did not remove its row
	ErrDeleteFailed = errors.New("zorel: delete failed")

	// ErrDuplicateKey is returned for unique constraint violations
	ErrDuplicateKey = errors.New("zorel: duplicate key violation")

	// ErrForeignKey is returned for foreign key constraint violations
	ErrForeignKey = errors.New("zorel: foreign key constraint violation")
)

// QueryError wraps database errors with query context for better debugging
type QueryError struct {
	Query     string // The SQL query that failed
	Args      []any  // The query arguments
	Operation string // Operation type: SELECT, INSERT, UPDATE, DELETE
	Err       error  // The underlying error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("zorel: %s failed: %v\nQuery: %s\nArgs: %s",
		e.Operation, e.Err, e.Query, formatArgs(e.Args))
}

func (e *QueryError) Unwrap() error {
	return e.Err
}

// AssociationError wraps association failures with the association and source names.
type AssociationError struct {
	Association string
	Source      string
	Err         error
}

func (e *AssociationError) Error() string {
	return fmt.Sprintf("zorel: association '%s' on %s: %v", e.Association, e.Source, e.Err)
}

func (e *AssociationError) Unwrap() error {
	return e.Err
}

// wrapAssociationError attaches association context to err.
func wrapAssociationError(a Association, err error) error {
	if err == nil {
		return nil
	}
	var ae *AssociationError
	if errors.As(err, &ae) {
		return err
	}
	source := ""
	if a.Source() != nil {
		source = a.Source().Alias()
	}
	return &AssociationError{Association: a.Name(), Source: source, Err: err}
}

func configError(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrConfiguration}, args...)...)
}

func integrityError(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrDataIntegrity}, args...)...)
}

func preconditionError(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrPrecondition}, args...)...)
}

// WrapQueryError wraps a database error with query context. Constraint
// violations reported by any of the supported drivers are tagged with
// ErrDuplicateKey or ErrForeignKey.
func WrapQueryError(operation, query string, args []any, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, sql.ErrNoRows) {
		return ErrRecordNotFound
	}

	switch {
	case isUniqueViolation(err):
		err = fmt.Errorf("%w: %v", ErrDuplicateKey, err)
	case isForeignKeyViolation(err):
		err = fmt.Errorf("%w: %v", ErrForeignKey, err)
	}

	return &QueryError{
		Query:     query,
		Args:      args,
		Operation: operation,
		Err:       err,
	}
}

// PostgreSQL SQLSTATE codes and MySQL error numbers for constraint violations.
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"

	mysqlDuplicateEntry   = 1062
	mysqlForeignKeyParent = 1451
	mysqlForeignKeyChild  = 1452
)

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == pgUniqueViolation
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == mysqlDuplicateEntry
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var mcErr *moderncsqlite.Error
	if errors.As(err, &mcErr) {
		return mcErr.Code() == sqlitelib.SQLITE_CONSTRAINT_UNIQUE ||
			mcErr.Code() == sqlitelib.SQLITE_CONSTRAINT_PRIMARYKEY
	}

	msg := err.Error()
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "UNIQUE constraint")
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgForeignKeyViolation
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == pgForeignKeyViolation
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == mysqlForeignKeyParent || myErr.Number == mysqlForeignKeyChild
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey
	}
	var mcErr *moderncsqlite.Error
	if errors.As(err, &mcErr) {
		return mcErr.Code() == sqlitelib.SQLITE_CONSTRAINT_FOREIGNKEY
	}

	return strings.Contains(err.Error(), "foreign key")
}

// IsNotFound checks if the error is ErrRecordNotFound
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRecordNotFound) || errors.Is(err, sql.ErrNoRows)
}

// IsConstraintViolation checks if the error is a constraint violation
func IsConstraintViolation(err error) bool {
	return errors.Is(err, ErrDuplicateKey) || errors.Is(err, ErrForeignKey)
}

// IsConfiguration reports whether err is a mapping defect.
func IsConfiguration(err error) bool {
	return errors.Is(err, ErrConfiguration)
}

// formatArgs formats query arguments for error messages
func formatArgs(args []any) string {
	if len(args) == 0 {
		return "[]"
	}

	parts := make([]string, len(args))
	for i, arg := range args {
		parts[i] = fmt.Sprintf("%v", arg)
	}

	result := "[" + strings.Join(parts, ", ") + "]"
	if len(result) > 200 {
		return result[:197] + "...]"
	}
	return result
}
