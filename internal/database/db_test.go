package database

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigDSN(t *testing.T) {
	dsn := Config{
		Host:     "db.internal",
		Port:     5433,
		User:     "catalog",
		Password: "p@ss:w/rd",
		Database: "catalog",
	}.DSN()

	u, err := url.Parse(dsn)
	require.NoError(t, err)
	assert.Equal(t, "postgres", u.Scheme)
	assert.Equal(t, "db.internal:5433", u.Host)
	assert.Equal(t, "/catalog", u.Path)
	pw, _ := u.User.Password()
	assert.Equal(t, "p@ss:w/rd", pw)
	assert.Equal(t, "disable", u.Query().Get("sslmode"))
	assert.Equal(t, applicationName, u.Query().Get("application_name"))
}

func TestConfigDSNKeepsSSLMode(t *testing.T) {
	u, err := url.Parse(Config{Host: "::1", Port: 5432, User: "u", Database: "d", SSLMode: "require"}.DSN())
	require.NoError(t, err)
	assert.Equal(t, "[::1]:5432", u.Host)
	assert.Equal(t, "require", u.Query().Get("sslmode"))
}
