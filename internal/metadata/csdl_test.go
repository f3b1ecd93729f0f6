package metadata

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dvsync/internal/typemap"
)

const sampleCSDL = `<?xml version="1.0" encoding="utf-8"?>
<edmx:Edmx xmlns:edmx="http://docs.oasis-open.org/odata/ns/edmx" Version="4.0">
  <edmx:DataServices>
    <Schema Namespace="mscrm" xmlns="http://docs.oasis-open.org/odata/ns/edm">
      <EntityType Name="account">
        <Key><PropertyRef Name="accountid"/></Key>
        <Property Name="accountid" Type="Edm.Guid" Nullable="false"/>
        <Property Name="name" Type="Edm.String" MaxLength="100" Nullable="true"/>
        <Property Name="statuscode" Type="Edm.String" Nullable="true"/>
        <Property Name="ownerid" Type="Edm.Guid" Nullable="true"/>
      </EntityType>
      <EntityType Name="contact">
        <Key><PropertyRef Name="contactid"/></Key>
        <Property Name="contactid" Type="Edm.Guid" Nullable="false"/>
        <Property Name="fullname" Type="Edm.String" Nullable="true"/>
        <Property Name="_parentcustomerid_value" Type="Edm.Guid" Nullable="true"/>
        <NavigationProperty Name="parentcustomerid_account" Type="mscrm.account">
          <ReferentialConstraint Property="_parentcustomerid_value" ReferencedProperty="accountid"/>
        </NavigationProperty>
      </EntityType>
      <EntityType Name="abstractbase" Abstract="true">
        <Property Name="id" Type="Edm.Guid" Nullable="false"/>
      </EntityType>
    </Schema>
  </edmx:DataServices>
</edmx:Edmx>`

func TestParseCSDLBasic(t *testing.T) {
	schemas, err := ParseCSDL(strings.NewReader(sampleCSDL), typemap.TargetSQLite, nil)
	require.NoError(t, err)

	_, isAbstract := schemas["abstractbase"]
	assert.False(t, isAbstract, "abstract entity types must be skipped")

	account, ok := schemas["account"]
	require.True(t, ok)
	assert.Equal(t, "accountid", account.PrimaryKey)
	nameCol, ok := account.Column("name")
	require.True(t, ok)
	assert.Equal(t, "TEXT", nameCol.StorageType)
	maxLen := 100
	require.NotNil(t, nameCol.MaxLength)
	assert.Equal(t, maxLen, *nameCol.MaxLength)

	// ownerid is inferred as an FK to owner.ownerid since it is not the PK.
	var hasOwnerFK bool
	for _, fk := range account.ForeignKeys {
		if strings.EqualFold(fk.Column, "ownerid") {
			hasOwnerFK = true
			assert.Equal(t, "owner", fk.ReferencedTable)
			assert.Equal(t, "ownerid", fk.ReferencedColumn)
		}
	}
	assert.True(t, hasOwnerFK)

	contact, ok := schemas["contact"]
	require.True(t, ok)
	var parentFK bool
	for _, fk := range contact.ForeignKeys {
		if strings.EqualFold(fk.Column, "_parentcustomerid_value") {
			parentFK = true
			assert.Equal(t, "account", fk.ReferencedTable)
			assert.Equal(t, "accountid", fk.ReferencedColumn)
		}
	}
	assert.True(t, parentFK, "authoritative ReferentialConstraint must win over inference")
}

func TestParseCSDLOptionSetOverride(t *testing.T) {
	overrides := map[string][]string{"account": {"statuscode"}}
	schemas, err := ParseCSDL(strings.NewReader(sampleCSDL), typemap.TargetSQLite, overrides)
	require.NoError(t, err)

	col, ok := schemas["account"].Column("statuscode")
	require.True(t, ok)
	assert.Equal(t, "INTEGER", col.StorageType)
}

func TestParseCSDLMalformedIsFatal(t *testing.T) {
	_, err := ParseCSDL(strings.NewReader("<not valid xml"), typemap.TargetSQLite, nil)
	assert.Error(t, err)
}
