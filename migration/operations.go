// Package migration rewrites schema artifacts and tenant database files
// through an ordered, typed list of DDL intents. Operations are validated
// before any file or bus interaction and apply idempotently, so
// at-least-once job delivery converges.
package migration

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"github.com/RiyamPatel2001/scalable-multitenant-databases/engine"
)

var (
	mon = monkit.Package()

	// Error is the default migration errs class.
	Error = errs.Class("migration")

	// ErrUnsafeIdentifier is returned when an operation references an
	// identifier outside the allowed pattern.
	ErrUnsafeIdentifier = errs.Class("unsafe identifier")

	// ErrInvalidOperation is returned when an operation is malformed.
	ErrInvalidOperation = errs.Class("invalid operation")
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Operation kinds.
const (
	OpCreateTable = "CREATE_TABLE"
	OpDropTable   = "DROP_TABLE"
	OpRenameTable = "RENAME_TABLE"
	OpAddColumn   = "ADD_COLUMN"
)

// Column describes the column added by an ADD_COLUMN operation.
type Column struct {
	Name     string      `json:"name"`
	Type     string      `json:"type"`
	Nullable *bool       `json:"nullable,omitempty"`
	Default  interface{} `json:"default,omitempty"`
}

// Operation is one DDL intent.
type Operation struct {
	Op      string  `json:"op"`
	SQL     string  `json:"sql,omitempty"`
	Table   string  `json:"table,omitempty"`
	NewName string  `json:"new_name,omitempty"`
	Column  *Column `json:"column,omitempty"`
}

// Validate checks required fields and identifier safety.
func (op Operation) Validate() error {
	switch op.Op {
	case OpCreateTable:
		if strings.TrimSpace(op.SQL) == "" {
			return ErrInvalidOperation.New("CREATE_TABLE requires sql")
		}
	case OpDropTable:
		return checkIdentifier(op.Table)
	case OpRenameTable:
		if err := checkIdentifier(op.Table); err != nil {
			return err
		}
		return checkIdentifier(op.NewName)
	case OpAddColumn:
		if err := checkIdentifier(op.Table); err != nil {
			return err
		}
		if op.Column == nil {
			return ErrInvalidOperation.New("ADD_COLUMN requires column")
		}
		if err := checkIdentifier(op.Column.Name); err != nil {
			return err
		}
		if strings.TrimSpace(op.Column.Type) == "" {
			return ErrInvalidOperation.New("ADD_COLUMN requires column type")
		}
		if op.Column.Nullable != nil && !*op.Column.Nullable && op.Column.Default == nil {
			return ErrInvalidOperation.New("NOT NULL column %q requires a default", op.Column.Name)
		}
	default:
		return ErrInvalidOperation.New("unknown operation %q", op.Op)
	}
	return nil
}

// ValidateAll checks every operation before anything is touched.
func ValidateAll(ops []Operation) error {
	if len(ops) == 0 {
		return ErrInvalidOperation.New("empty operation list")
	}
	for i, op := range ops {
		if err := op.Validate(); err != nil {
			return errs.Combine(err, Error.New("operation %d", i))
		}
	}
	return nil
}

func checkIdentifier(ident string) error {
	if !identifierPattern.MatchString(ident) {
		return ErrUnsafeIdentifier.New("%q", ident)
	}
	return nil
}

// Apply runs the operation list against an open database in a single
// transaction with foreign keys enforced.
func Apply(ctx context.Context, db *engine.DB, ops []Operation) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err := ValidateAll(ops); err != nil {
		return err
	}

	if _, err := db.Exec(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		return Error.Wrap(err)
	}

	tx, err := db.Begin(ctx)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() {
		if err != nil {
			err = errs.Combine(err, tx.Rollback())
		}
	}()

	for _, op := range ops {
		if err := applyOperation(ctx, tx, op); err != nil {
			return err
		}
	}
	return Error.Wrap(tx.Commit())
}

func applyOperation(ctx context.Context, tx *engine.Tx, op Operation) error {
	switch op.Op {
	case OpCreateTable:
		return Error.Wrap(tx.Exec(ctx, op.SQL))

	case OpDropTable:
		return Error.Wrap(tx.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", op.Table)))

	case OpRenameTable:
		// A present destination means the rename already happened,
		// possibly on a redelivered job.
		dstExists, err := tx.TableExists(ctx, op.NewName)
		if err != nil {
			return Error.Wrap(err)
		}
		if dstExists {
			return nil
		}
		srcExists, err := tx.TableExists(ctx, op.Table)
		if err != nil {
			return Error.Wrap(err)
		}
		if !srcExists {
			return Error.New("rename: table %q does not exist", op.Table)
		}
		return Error.Wrap(tx.Exec(ctx, fmt.Sprintf("ALTER TABLE %s RENAME TO %s", op.Table, op.NewName)))

	case OpAddColumn:
		exists, err := tx.ColumnExists(ctx, op.Table, op.Column.Name)
		if err != nil {
			return Error.Wrap(err)
		}
		if exists {
			return nil
		}
		return Error.Wrap(tx.Exec(ctx, addColumnSQL(op.Table, op.Column)))
	}
	return ErrInvalidOperation.New("unknown operation %q", op.Op)
}

func addColumnSQL(table string, column *Column) string {
	var b strings.Builder
	fmt.Fprintf(&b, "ALTER TABLE %s ADD COLUMN %s %s", table, column.Name, column.Type)
	if column.Nullable != nil && !*column.Nullable {
		b.WriteString(" NOT NULL")
	}
	if column.Default != nil {
		fmt.Fprintf(&b, " DEFAULT %s", defaultLiteral(column.Default))
	}
	return b.String()
}

func defaultLiteral(value interface{}) string {
	switch v := value.(type) {
	case string:
		return "'" + strings.ReplaceAll(v, "'", "''") + "'"
	case bool:
		if v {
			return "1"
		}
		return "0"
	default:
		return fmt.Sprintf("%v", v)
	}
}
