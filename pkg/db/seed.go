package db

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Encrypter seals a credential before it is written to the accounts table.
type Encrypter interface {
	Encrypt(plaintext string) (string, error)
}

// AccountSeed is one entry of an accounts import file.
type AccountSeed struct {
	ClientCode         string   `yaml:"client_code"`
	Name               string   `yaml:"name"`
	Type               string   `yaml:"type"`
	ParentClientCode   string   `yaml:"parent_client_code"`
	CopyTradingEnabled bool     `yaml:"copy_trading_enabled"`
	Settings           Settings `yaml:"settings"`
	Credentials        struct {
		Password string `yaml:"password"`
		TOTP     string `yaml:"totp"`
		APIKey   string `yaml:"api_key"`
	} `yaml:"credentials"`
}

type seedFile struct {
	Accounts []AccountSeed `yaml:"accounts"`
}

// LoadAccountsFile reads an accounts import file.
func LoadAccountsFile(path string) ([]AccountSeed, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read accounts file: %w", err)
	}
	var f seedFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse accounts file: %w", err)
	}
	return f.Accounts, nil
}

// Import upserts seeds, parents first so children can be linked by client
// code. Credentials are encrypted with enc. It returns the number of
// accounts written.
func (q *AccountQueries) Import(ctx context.Context, seeds []AccountSeed, enc Encrypter) (int, error) {
	ordered := make([]AccountSeed, 0, len(seeds))
	for _, s := range seeds {
		if strings.EqualFold(s.Type, string(AccountParent)) {
			ordered = append(ordered, s)
		}
	}
	for _, s := range seeds {
		if !strings.EqualFold(s.Type, string(AccountParent)) {
			ordered = append(ordered, s)
		}
	}

	written := 0
	for _, s := range ordered {
		acct := &Account{
			ClientCode:         strings.TrimSpace(s.ClientCode),
			Name:               s.Name,
			AccountType:        AccountType(strings.ToUpper(s.Type)),
			CopyTradingEnabled: s.CopyTradingEnabled,
			Settings:           s.Settings,
		}
		if acct.AccountType != AccountParent && acct.AccountType != AccountChild {
			return written, fmt.Errorf("account %s: unknown type %q", s.ClientCode, s.Type)
		}
		if existing, err := q.GetAccountByClientCode(ctx, acct.ClientCode); err == nil {
			acct.ID = existing.ID
		}

		if s.ParentClientCode != "" {
			if acct.AccountType == AccountParent {
				return written, fmt.Errorf("account %s: %w", s.ClientCode, ErrInvalidLink)
			}
			parent, err := q.GetAccountByClientCode(ctx, s.ParentClientCode)
			if err != nil {
				return written, fmt.Errorf("account %s: parent %s: %w", s.ClientCode, s.ParentClientCode, err)
			}
			if !parent.IsParent() {
				return written, fmt.Errorf("account %s: %w", s.ClientCode, ErrInvalidLink)
			}
			acct.ParentAccountID = parent.ID
		}

		var err error
		if acct.Credentials.Password, err = seal(enc, s.Credentials.Password); err != nil {
			return written, fmt.Errorf("account %s: encrypt password: %w", s.ClientCode, err)
		}
		if acct.Credentials.TOTP, err = seal(enc, s.Credentials.TOTP); err != nil {
			return written, fmt.Errorf("account %s: encrypt totp: %w", s.ClientCode, err)
		}
		if acct.Credentials.APIKey, err = seal(enc, s.Credentials.APIKey); err != nil {
			return written, fmt.Errorf("account %s: encrypt api key: %w", s.ClientCode, err)
		}

		if err := q.UpsertAccount(ctx, acct); err != nil {
			return written, err
		}
		written++
	}
	return written, nil
}

func seal(enc Encrypter, plaintext string) (string, error) {
	if plaintext == "" || enc == nil {
		return plaintext, nil
	}
	return enc.Encrypt(plaintext)
}
