package storage

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"mailsync/models"
	"mailsync/utils"
)

// keyInfo separates this key from anything else derived from the same secret
const keyInfo = "mailsync account credentials v1"

// accountTTL bounds how long a decrypted account is served from memory
const accountTTL = 5 * time.Minute

// AccountDirectory manages account data persistence
type AccountDirectory struct {
	dataDir string
	key     []byte
	mu      sync.RWMutex
	opened  *utils.MemoryCache[string, models.Account]
}

// storedAccount is the on-disk form; the password never leaves memory in clear
type storedAccount struct {
	models.Account
	EncryptedPassword string `json:"encrypted_password"`
}

// DeriveKey turns the configured secret into an AES-256 key
func DeriveKey(secret string) ([]byte, error) {
	if secret == "" {
		return nil, errors.New("encryption secret is empty")
	}
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte(keyInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// NewAccountDirectory creates a new account storage instance
func NewAccountDirectory(dataDir, secret string) (*AccountDirectory, error) {
	key, err := DeriveKey(secret)
	if err != nil {
		return nil, err
	}

	// Create data directory if it doesn't exist
	accountDir := filepath.Join(dataDir, "accounts")
	if err := os.MkdirAll(accountDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create accounts directory: %v", err)
	}

	return &AccountDirectory{
		dataDir: accountDir,
		key:     key,
		opened:  utils.NewMemoryCache[string, models.Account](accountTTL),
	}, nil
}

// CreateAccount creates a new account
func (s *AccountDirectory) CreateAccount(account *models.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Generate ID if not set
	if account.ID == "" {
		account.ID = uuid.New().String()
	}
	if err := account.Validate(); err != nil {
		return utils.BadRequestError("invalid account", err)
	}

	// Set timestamps
	now := time.Now()
	account.CreatedAt = now
	account.UpdatedAt = now

	return s.saveAccount(account)
}

// GetAccount loads an account and decrypts its credentials. Every call
// returns a copy the caller may modify.
func (s *AccountDirectory) GetAccount(accountID string) (*models.Account, error) {
	if account, ok := s.opened.Get(accountID); ok {
		return &account, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, err := s.loadAccount(accountID)
	if err != nil {
		return nil, err
	}
	account, err := s.open(stored)
	if err != nil {
		return nil, err
	}
	s.opened.Set(accountID, *account)
	return account, nil
}

func (s *AccountDirectory) open(stored *storedAccount) (*models.Account, error) {
	password, err := decrypt(stored.EncryptedPassword, s.key)
	if err != nil {
		return nil, utils.InternalServerError("failed to decrypt credentials", err).WithContext("account", stored.ID)
	}

	account := stored.Account
	account.Credentials.Password = password
	if err := account.Validate(); err != nil {
		return nil, utils.BadRequestError("stored account is invalid", err).WithContext("account", stored.ID)
	}
	return &account, nil
}

// ListAccounts returns every account of a user. An empty userID lists all.
func (s *AccountDirectory) ListAccounts(userID string) ([]*models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	files, err := os.ReadDir(s.dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read accounts directory: %v", err)
	}

	var accounts []*models.Account
	for _, file := range files {
		if file.IsDir() || filepath.Ext(file.Name()) != ".json" {
			continue
		}

		stored, err := s.loadAccount(strings.TrimSuffix(file.Name(), ".json"))
		if err != nil {
			continue // Skip invalid accounts
		}
		if userID != "" && stored.UserID != userID {
			continue
		}

		account, err := s.open(stored)
		if err != nil {
			continue // Skip accounts with decryption errors
		}
		accounts = append(accounts, account)
	}

	return accounts, nil
}

// UpdateAccount updates an existing account
func (s *AccountDirectory) UpdateAccount(account *models.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.loadAccount(account.ID)
	if err != nil {
		return err
	}
	if err := account.Validate(); err != nil {
		return utils.BadRequestError("invalid account", err)
	}

	account.UpdatedAt = time.Now()
	account.CreatedAt = existing.CreatedAt

	s.opened.Delete(account.ID)
	return s.saveAccount(account)
}

// DeleteAccount deletes an account
func (s *AccountDirectory) DeleteAccount(accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, err := s.accountPath(accountID)
	if err != nil {
		return err
	}
	s.opened.Delete(accountID)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return utils.NotFoundError("account not found", nil).WithContext("account", accountID)
		}
		return fmt.Errorf("failed to delete account: %v", err)
	}

	return nil
}

// accountPath rejects ids that would escape the accounts directory
func (s *AccountDirectory) accountPath(accountID string) (string, error) {
	if accountID == "" || strings.ContainsAny(accountID, `/\`) || strings.Contains(accountID, "..") {
		return "", utils.BadRequestError("invalid account id", nil)
	}
	return filepath.Join(s.dataDir, accountID+".json"), nil
}

// saveAccount saves account to file (must be called with lock held)
func (s *AccountDirectory) saveAccount(account *models.Account) error {
	path, err := s.accountPath(account.ID)
	if err != nil {
		return err
	}

	encryptedPassword, err := encrypt(account.Credentials.Password, s.key)
	if err != nil {
		return fmt.Errorf("failed to encrypt password: %v", err)
	}

	data, err := json.MarshalIndent(storedAccount{Account: *account, EncryptedPassword: encryptedPassword}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal account: %v", err)
	}

	return os.WriteFile(path, data, 0600)
}

// loadAccount loads account from file (must be called with lock held)
func (s *AccountDirectory) loadAccount(accountID string) (*storedAccount, error) {
	path, err := s.accountPath(accountID)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, utils.NotFoundError("account not found", nil).WithContext("account", accountID)
		}
		return nil, fmt.Errorf("failed to read account file: %v", err)
	}

	var account storedAccount
	if err := json.Unmarshal(data, &account); err != nil {
		return nil, fmt.Errorf("failed to unmarshal account: %v", err)
	}

	return &account, nil
}

// encrypt encrypts plaintext using AES-GCM
func encrypt(plaintext string, key []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return fmt.Sprintf("%x", ciphertext), nil
}

// decrypt decrypts ciphertext using AES-GCM
func decrypt(ciphertextHex string, key []byte) (string, error) {
	var ciphertext []byte
	if _, err := fmt.Sscanf(ciphertextHex, "%x", &ciphertext); err != nil {
		return "", err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", errors.New("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", err
	}

	return string(plaintext), nil
}
