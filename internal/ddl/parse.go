package ddl

import (
	"strings"
	"sync"

	"vitess.io/vitess/go/vt/sqlparser"

	"github.com/odxtools/odetl/internal/etlerr"
)

// Column is one column definition extracted from a MySQL CREATE TABLE.
// RawType is the lowercased MySQL type as written, e.g. "tinyint(1)" or
// "decimal(10,2)", without column options.
type Column struct {
	Name       string
	RawType    string
	NotNull    bool
	PrimaryKey bool
}

// Table is the parsed shape of one MySQL table: ordered columns plus the
// primary key column list. Index and constraint clauses other than
// PRIMARY KEY (...) are ignored.
type Table struct {
	Name       string
	Columns    []Column
	PrimaryKey []string
}

// Column returns the named column definition.
func (t *Table) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

var (
	parserOnce      sync.Once
	globalParser    *sqlparser.Parser
	globalParserErr error
)

func getParser() (*sqlparser.Parser, error) {
	parserOnce.Do(func() {
		globalParser, globalParserErr = sqlparser.New(sqlparser.Options{})
	})
	return globalParser, globalParserErr
}

// Parse extracts the column definitions and primary key from a MySQL
// CREATE TABLE statement, typically the output of SHOW CREATE TABLE. Anything
// that is not a parsable CREATE TABLE with at least one column is a schema
// validation error.
func Parse(createSQL string) (*Table, error) {
	sql := strings.TrimSpace(strings.TrimRight(strings.TrimSpace(createSQL), ";"))
	if sql == "" {
		return nil, etlerr.Newf(etlerr.KindSchemaValidation, "ddl.parse", "empty CREATE TABLE statement")
	}

	p, err := getParser()
	if err != nil {
		return nil, etlerr.Newf(etlerr.KindSchemaValidation, "ddl.parse", "creating parser: %w", err)
	}
	stmt, err := p.Parse(sql)
	if err != nil {
		return nil, etlerr.Newf(etlerr.KindSchemaValidation, "ddl.parse", "parsing CREATE TABLE: %w", err)
	}

	create, ok := stmt.(*sqlparser.CreateTable)
	if !ok {
		return nil, etlerr.Newf(etlerr.KindSchemaValidation, "ddl.parse",
			"expected a CREATE TABLE statement, got %T", stmt)
	}
	if create.TableSpec == nil || len(create.TableSpec.Columns) == 0 {
		return nil, etlerr.Newf(etlerr.KindSchemaValidation, "ddl.parse",
			"no columns extracted from CREATE TABLE")
	}

	table := &Table{Name: create.Table.Name.String()}

	for _, col := range create.TableSpec.Columns {
		c := Column{
			Name:    col.Name.String(),
			RawType: rawType(col.Type),
		}
		if col.Type.Options != nil {
			if col.Type.Options.Null != nil && !*col.Type.Options.Null {
				c.NotNull = true
			}
			if col.Type.Options.KeyOpt == sqlparser.ColKeyPrimary {
				c.PrimaryKey = true
				table.PrimaryKey = append(table.PrimaryKey, c.Name)
			}
		}
		table.Columns = append(table.Columns, c)
	}

	for _, idx := range create.TableSpec.Indexes {
		if idx.Info.Type != sqlparser.IndexTypePrimary {
			continue
		}
		for _, idxCol := range idx.Columns {
			if idxCol.Column.IsEmpty() {
				continue
			}
			name := idxCol.Column.String()
			table.PrimaryKey = append(table.PrimaryKey, name)
			for i := range table.Columns {
				if table.Columns[i].Name == name {
					table.Columns[i].PrimaryKey = true
				}
			}
		}
	}

	return table, nil
}

// rawType renders the bare column type without its options (NOT NULL,
// DEFAULT, key clauses), lowercased.
func rawType(ct *sqlparser.ColumnType) string {
	bare := *ct
	bare.Options = nil
	buf := sqlparser.NewTrackedBuffer(nil)
	bare.Format(buf)
	return strings.ToLower(buf.String())
}
