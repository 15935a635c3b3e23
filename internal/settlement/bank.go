package settlement

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

// BankAccount is the guardian's registered direct-debit account.
type BankAccount struct {
	GuardianID    int64  `json:"guardian_id"`
	BankCode      string `json:"bank_code" validate:"required,number,max=4"`
	BranchCode    string `json:"branch_code" validate:"required,number,max=3"`
	AccountType   string `json:"account_type" validate:"required,oneof=1 2"`
	AccountNumber string `json:"account_number" validate:"required,number,max=8"`
	HolderKana    string `json:"holder_kana" validate:"required"`
	CustomerCode  string `json:"customer_code" validate:"omitempty,max=20"`
}

// GuardianDirectory resolves bank accounts for a set of guardians. Guardians without an
// account are simply absent from the result.
type GuardianDirectory interface {
	ListBankAccounts(ctx context.Context, tenantID int64, guardianIDs []int64) (map[int64]BankAccount, error)
}

var bankValidator = validator.New()

// ValidateBankAccount checks the account is exportable.
func ValidateBankAccount(a BankAccount) error {
	a = trimAccount(a)
	if err := bankValidator.Struct(a); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fe.Field()+":"+fe.Tag())
			}
			return fmt.Errorf("%w: %s", ErrInvalidBankDetails, strings.Join(fields, ","))
		}
		return fmt.Errorf("%w: %v", ErrInvalidBankDetails, err)
	}
	return nil
}

// NormalizeBankAccount zero-pads the numeric fields to their file widths: bank 4,
// branch 3, account 7. Eight-digit account numbers are kept as is.
func NormalizeBankAccount(a BankAccount) BankAccount {
	a = trimAccount(a)
	a.BankCode = zeroPad(a.BankCode, 4)
	a.BranchCode = zeroPad(a.BranchCode, 3)
	a.AccountNumber = zeroPad(a.AccountNumber, 7)
	if a.CustomerCode == "" {
		a.CustomerCode = strconv.FormatInt(a.GuardianID, 10)
	}
	return a
}

func trimAccount(a BankAccount) BankAccount {
	a.BankCode = strings.TrimSpace(a.BankCode)
	a.BranchCode = strings.TrimSpace(a.BranchCode)
	a.AccountType = strings.TrimSpace(a.AccountType)
	a.AccountNumber = strings.TrimSpace(a.AccountNumber)
	a.HolderKana = strings.TrimSpace(a.HolderKana)
	a.CustomerCode = strings.TrimSpace(a.CustomerCode)
	return a
}

func zeroPad(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return strings.Repeat("0", width-len(s)) + s
}
