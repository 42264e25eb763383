package validator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResultSuccess(t *testing.T) {
	r := NewResult()
	assert.True(t, r.Success())

	r.AddInfo("checked")
	r.AddWarning("tables without primary keys")
	assert.True(t, r.Success(), "info and warnings do not fail a run")

	r.AddError("no replication privilege")
	assert.False(t, r.Success())
}

func TestResultStringOrdersBySeverity(t *testing.T) {
	r := NewResult()
	r.AddInfo("user permissions validated successfully")
	r.AddWarning("tables without primary keys: audit_log")
	r.AddError("wal_level is not logical")

	expected := "ERROR: wal_level is not logical\n" +
		"WARNING: tables without primary keys: audit_log\n" +
		"INFO: user permissions validated successfully\n"
	assert.Equal(t, expected, r.String())
}

func TestResultEmpty(t *testing.T) {
	r := NewResult()
	assert.Empty(t, r.String())
	assert.Empty(t, r.Info())
	assert.Empty(t, r.Warnings())
	assert.Empty(t, r.Errors())
}
