package inspect

import (
	"testing"

	"github.com/Bradleyfc/proyecto-cfbc/internal/testutil"
)

func TestMapType(t *testing.T) {
	tests := []struct {
		name       string
		nativeType string
		length     int
		expected   FieldKind
	}{
		{"int", "int(11)", 0, KindInteger},
		{"unsigned int", "int(10) unsigned", 0, KindInteger},
		{"bigint", "bigint(20)", 0, KindBigInt},
		{"smallint", "smallint(6)", 0, KindInteger},
		{"tinyint flag", "tinyint(1)", 0, KindBool},
		{"tinyint wide", "tinyint(4)", 0, KindInteger},
		{"boolean", "boolean", 0, KindBool},
		{"varchar short", "varchar(150)", 0, KindText},
		{"varchar long", "varchar(2000)", 0, KindLongText},
		{"varchar explicit length", "character varying", 2000, KindLongText},
		{"char", "char(2)", 0, KindText},
		{"text", "text", 0, KindLongText},
		{"mediumtext", "mediumtext", 0, KindLongText},
		{"longtext", "longtext", 0, KindLongText},
		{"decimal", "decimal(3,1)", 0, KindDecimal},
		{"numeric", "numeric", 0, KindDecimal},
		{"float", "float", 0, KindFloat},
		{"double", "double precision", 0, KindFloat},
		{"date", "date", 0, KindDate},
		{"datetime", "datetime(6)", 0, KindTimestamp},
		{"timestamp", "timestamp with time zone", 0, KindTimestamp},
		{"time", "time", 0, KindTime},
		{"json", "json", 0, KindJSON},
		{"jsonb", "jsonb", 0, KindJSON},
		{"blob", "longblob", 0, KindBlob},
		{"varbinary", "varbinary(255)", 0, KindBlob},
		{"bytea", "bytea", 0, KindBlob},
		{"enum degrades", "enum('M','F')", 0, KindLongText},
		{"geometry degrades", "geometry", 0, KindLongText},
		{"empty degrades", "", 0, KindLongText},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			testutil.Equal(t, tt.expected, MapType(tt.nativeType, false, false, tt.length))
		})
	}
}

// MapType must be total: no native type string may panic or fall outside the
// defined kinds.
func TestMapTypeTotality(t *testing.T) {
	inputs := []string{
		"set('a','b')", "point", "GEOMETRYCOLLECTION", "year(4)",
		"uuid", "inet", "tsvector", "money", "bit(8)", "  ", "ñ",
	}
	for _, in := range inputs {
		kind := MapType(in, true, false, 0)
		testutil.NotEqual(t, "unknown", kind.String())
	}
}

func TestDeclaredLength(t *testing.T) {
	testutil.Equal(t, 150, DeclaredLength("varchar(150)"))
	testutil.Equal(t, 1, DeclaredLength("tinyint(1)"))
	testutil.Equal(t, 0, DeclaredLength("text"))
	testutil.Equal(t, 0, DeclaredLength("decimal(3,1)")) // non-numeric span
	testutil.Equal(t, 0, DeclaredLength("varchar("))
}

func TestIsSystemTable(t *testing.T) {
	testutil.True(t, IsSystemTable("django_migrations"))
	testutil.True(t, IsSystemTable("django_session"))
	testutil.True(t, IsSystemTable("auth_permission"))
	testutil.True(t, IsSystemTable("auth_user_user_permissions"))
	testutil.False(t, IsSystemTable("auth_user"))
	testutil.False(t, IsSystemTable("auth_user_groups"))
	testutil.False(t, IsSystemTable("principal_curso"))
	testutil.False(t, IsSystemTable("accounts_registro"))
}
