package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailsync/models"
	"mailsync/utils"
)

func testAccount() *models.Account {
	return &models.Account{
		UserID:      "user-1",
		DisplayName: "Work",
		Email:       "me@example.org",
		Credentials: models.Credentials{Password: "s3cret"},
		IMAP:        models.Endpoint{Host: "imap.example.org", Port: 993},
	}
}

func TestAccountDirectoryRoundTrip(t *testing.T) {
	dir := t.TempDir()
	accounts, err := NewAccountDirectory(dir, "installation secret")
	require.NoError(t, err)

	account := testAccount()
	require.NoError(t, accounts.CreateAccount(account))
	require.NotEmpty(t, account.ID)

	raw, err := os.ReadFile(filepath.Join(dir, "accounts", account.ID+".json"))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "s3cret")

	got, err := accounts.GetAccount(account.ID)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", got.Credentials.Password)
	assert.Equal(t, "me@example.org", got.Credentials.Username)
	assert.Equal(t, models.SecurityTLS, got.IMAP.Security)

	list, err := accounts.ListAccounts("user-1")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	list, err = accounts.ListAccounts("someone-else")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestAccountDirectoryWrongSecret(t *testing.T) {
	dir := t.TempDir()
	accounts, err := NewAccountDirectory(dir, "first")
	require.NoError(t, err)
	account := testAccount()
	require.NoError(t, accounts.CreateAccount(account))

	other, err := NewAccountDirectory(dir, "second")
	require.NoError(t, err)
	_, err = other.GetAccount(account.ID)
	require.Error(t, err)
}

func TestAccountDirectoryUpdateAndDelete(t *testing.T) {
	accounts, err := NewAccountDirectory(t.TempDir(), "secret")
	require.NoError(t, err)

	account := testAccount()
	require.NoError(t, accounts.CreateAccount(account))
	created := account.CreatedAt

	account.Credentials.Password = "rotated"
	account.IMAP.Security = "STARTTLS"
	require.NoError(t, accounts.UpdateAccount(account))

	got, err := accounts.GetAccount(account.ID)
	require.NoError(t, err)
	assert.Equal(t, "rotated", got.Credentials.Password)
	assert.Equal(t, models.SecurityStartTLS, got.IMAP.Security)
	assert.True(t, created.Equal(got.CreatedAt))

	require.NoError(t, accounts.DeleteAccount(account.ID))
	_, err = accounts.GetAccount(account.ID)
	assert.True(t, utils.IsKind(err, utils.KindNotFound))
	assert.True(t, utils.IsKind(accounts.DeleteAccount(account.ID), utils.KindNotFound))
}

func TestAccountDirectoryRejectsBadInput(t *testing.T) {
	accounts, err := NewAccountDirectory(t.TempDir(), "secret")
	require.NoError(t, err)

	_, err = accounts.GetAccount("../etc/passwd")
	assert.True(t, utils.IsKind(err, utils.KindInvalid))

	bad := testAccount()
	bad.IMAP.Port = 0
	assert.True(t, utils.IsKind(accounts.CreateAccount(bad), utils.KindInvalid))

	_, err = NewAccountDirectory(t.TempDir(), "")
	assert.Error(t, err)
}

func TestAccountDirectoryServesCopies(t *testing.T) {
	accounts, err := NewAccountDirectory(t.TempDir(), "secret")
	require.NoError(t, err)

	account := testAccount()
	require.NoError(t, accounts.CreateAccount(account))

	first, err := accounts.GetAccount(account.ID)
	require.NoError(t, err)
	first.DisplayName = "changed by caller"
	first.Credentials.Password = "leaked"

	second, err := accounts.GetAccount(account.ID)
	require.NoError(t, err)
	assert.NotEqual(t, "changed by caller", second.DisplayName)
	assert.Equal(t, account.Credentials.Password, second.Credentials.Password)

	// A warm entry is replaced on update
	second.DisplayName = "renamed"
	require.NoError(t, accounts.UpdateAccount(second))
	third, err := accounts.GetAccount(account.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", third.DisplayName)
}
