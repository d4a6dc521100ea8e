package ddl

import (
	"strings"
	"testing"

	"github.com/odxtools/odetl/internal/etlerr"
)

const patientDDL = "CREATE TABLE `patient` (\n" +
	"  `PatNum` bigint(20) NOT NULL AUTO_INCREMENT,\n" +
	"  `LName` varchar(100) DEFAULT '',\n" +
	"  `Birthdate` date NOT NULL DEFAULT '0001-01-01',\n" +
	"  `IsActive` tinyint(1) DEFAULT 0,\n" +
	"  `EstBalance` decimal(10,2) DEFAULT 0.00,\n" +
	"  PRIMARY KEY (`PatNum`),\n" +
	"  KEY `idx_lname` (`LName`)\n" +
	") ENGINE=MyISAM DEFAULT CHARSET=utf8"

func TestParseColumns(t *testing.T) {
	table, err := Parse(patientDDL)
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if table.Name != "patient" {
		t.Errorf("table name = %q, want patient", table.Name)
	}
	if len(table.Columns) != 5 {
		t.Fatalf("got %d columns, want 5", len(table.Columns))
	}

	wantTypes := map[string]string{
		"PatNum":     "bigint(20)",
		"LName":      "varchar(100)",
		"Birthdate":  "date",
		"IsActive":   "tinyint(1)",
		"EstBalance": "decimal(10,2)",
	}
	for name, wantType := range wantTypes {
		col, ok := table.Column(name)
		if !ok {
			t.Fatalf("column %s missing", name)
		}
		if col.RawType != wantType {
			t.Errorf("column %s type = %q, want %q", name, col.RawType, wantType)
		}
	}

	if col, _ := table.Column("PatNum"); !col.NotNull {
		t.Error("PatNum should be NOT NULL")
	}
	if col, _ := table.Column("LName"); col.NotNull {
		t.Error("LName should be nullable")
	}
}

func TestParsePrimaryKey(t *testing.T) {
	table, err := Parse(patientDDL)
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if len(table.PrimaryKey) != 1 || table.PrimaryKey[0] != "PatNum" {
		t.Errorf("primary key = %v, want [PatNum]", table.PrimaryKey)
	}
	col, _ := table.Column("PatNum")
	if !col.PrimaryKey {
		t.Error("PatNum column should carry the primary key flag")
	}
	col, _ = table.Column("LName")
	if col.PrimaryKey {
		t.Error("LName column should not carry the primary key flag")
	}
}

func TestParseInlinePrimaryKey(t *testing.T) {
	table, err := Parse("CREATE TABLE t (id bigint NOT NULL PRIMARY KEY, v text)")
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if len(table.PrimaryKey) != 1 || table.PrimaryKey[0] != "id" {
		t.Errorf("primary key = %v, want [id]", table.PrimaryKey)
	}
}

func TestParseCompositePrimaryKey(t *testing.T) {
	table, err := Parse("CREATE TABLE grouppermission (" +
		"UserGroupNum bigint NOT NULL, PermType int NOT NULL, NewerDays int, " +
		"PRIMARY KEY (UserGroupNum, PermType))")
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	want := []string{"UserGroupNum", "PermType"}
	if len(table.PrimaryKey) != 2 || table.PrimaryKey[0] != want[0] || table.PrimaryKey[1] != want[1] {
		t.Errorf("primary key = %v, want %v", table.PrimaryKey, want)
	}
}

func TestParseIgnoresSecondaryIndexes(t *testing.T) {
	table, err := Parse("CREATE TABLE appointment (" +
		"AptNum bigint NOT NULL, PatNum bigint, AptDateTime datetime, " +
		"PRIMARY KEY (AptNum), KEY idx_pat (PatNum), UNIQUE KEY uq (AptDateTime))")
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if len(table.Columns) != 3 {
		t.Errorf("got %d columns, want 3", len(table.Columns))
	}
	if len(table.PrimaryKey) != 1 {
		t.Errorf("primary key = %v, want [AptNum]", table.PrimaryKey)
	}
}

func TestParseRejectsInvalidInput(t *testing.T) {
	tests := []struct {
		name string
		sql  string
	}{
		{"empty", "   "},
		{"not create table", "SELECT * FROM patient"},
		{"unparsable", "CREATE TABLE ("},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.sql)
			if err == nil {
				t.Fatal("Parse() = nil error, want schema validation error")
			}
			if etlerr.KindOf(err) != etlerr.KindSchemaValidation {
				t.Errorf("error kind = %v, want schema validation", etlerr.KindOf(err))
			}
		})
	}
}

func TestParseTrimsTrailingSemicolon(t *testing.T) {
	table, err := Parse("CREATE TABLE t (id int);\n")
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if table.Name != "t" || len(table.Columns) != 1 {
		t.Errorf("parsed %q with %d columns", table.Name, len(table.Columns))
	}
}

func TestRawTypeExcludesOptions(t *testing.T) {
	table, err := Parse("CREATE TABLE t (c varchar(50) NOT NULL DEFAULT 'x')")
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	col, _ := table.Column("c")
	if strings.Contains(col.RawType, "null") || strings.Contains(col.RawType, "default") {
		t.Errorf("RawType %q leaked column options", col.RawType)
	}
	if col.RawType != "varchar(50)" {
		t.Errorf("RawType = %q, want varchar(50)", col.RawType)
	}
	if !col.NotNull {
		t.Error("NOT NULL flag lost")
	}
}
