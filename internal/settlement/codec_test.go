package settlement

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyResult(t *testing.T) {
	cases := []struct {
		code   string
		status ResultStatus
		reason FailureReason
	}{
		{"0", ResultSuccess, ""},
		{"1", ResultFailed, ReasonInsufficientFunds},
		{"2", ResultFailed, ReasonAccountClosed},
		{"3", ResultFailed, ReasonInvalidAccount},
		{"4", ResultFailed, ReasonOther},
		{"9", ResultFailed, ReasonRejected},
		{"8", ResultFailed, ReasonOther},
		{"", ResultFailed, ReasonOther},
	}
	for _, tc := range cases {
		status, reason := ClassifyResult(tc.code)
		require.Equal(t, tc.status, status, tc.code)
		require.Equal(t, tc.reason, reason, tc.code)
	}
}

func TestValidateAndNormalizeBankAccount(t *testing.T) {
	ok := BankAccount{GuardianID: 42, BankCode: "5", BranchCode: "12", AccountType: "1", AccountNumber: "12345678", HolderKana: "ﾃｽﾄ"}
	require.NoError(t, ValidateBankAccount(ok))
	n := NormalizeBankAccount(ok)
	require.Equal(t, "0005", n.BankCode)
	require.Equal(t, "012", n.BranchCode)
	require.Equal(t, "12345678", n.AccountNumber)
	require.Equal(t, "42", n.CustomerCode)

	bad := []BankAccount{
		{BankCode: "12345", BranchCode: "1", AccountType: "1", AccountNumber: "1", HolderKana: "ｱ"},
		{BankCode: "1", BranchCode: "1234", AccountType: "1", AccountNumber: "1", HolderKana: "ｱ"},
		{BankCode: "1", BranchCode: "1", AccountType: "3", AccountNumber: "1", HolderKana: "ｱ"},
		{BankCode: "1", BranchCode: "1", AccountType: "1", AccountNumber: "123456789", HolderKana: "ｱ"},
		{BankCode: "1", BranchCode: "1", AccountType: "1", AccountNumber: "1", HolderKana: "  "},
		{BankCode: "1a", BranchCode: "1", AccountType: "1", AccountNumber: "1", HolderKana: "ｱ"},
		{BankCode: "-12", BranchCode: "1", AccountType: "1", AccountNumber: "1", HolderKana: "ｱ"},
		{BankCode: "1", BranchCode: "1.5", AccountType: "1", AccountNumber: "1", HolderKana: "ｱ"},
		{BankCode: "1", BranchCode: "1", AccountType: "1", AccountNumber: "+1234.5", HolderKana: "ｱ"},
	}
	for i, a := range bad {
		require.ErrorIs(t, ValidateBankAccount(a), ErrInvalidBankDetails, i)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	for _, enc := range []Encoding{EncodingShiftJIS, EncodingEUCJP, EncodingUTF8} {
		out, err := EncodeText("ﾔﾏﾀﾞ 山田", enc)
		require.NoError(t, err)
		require.Equal(t, "ﾔﾏﾀﾞ 山田", DecodeText(out, enc), enc)
	}
}

func TestEncodeReplacesUnsupported(t *testing.T) {
	out, err := EncodeText("A😀B", EncodingShiftJIS)
	require.NoError(t, err)
	require.NotContains(t, DecodeText(out, EncodingShiftJIS), "😀")
}

func TestDecodeFallsBackToUTF8(t *testing.T) {
	require.Equal(t, "ｽｽﾞｷ,鈴木", DecodeText([]byte("ｽｽﾞｷ,鈴木"), EncodingShiftJIS))
}

func TestParseResultRows(t *testing.T) {
	rows, errs := parseResultRows("\"a\",\"202602\",\"1\",\"2\",\"1\",\"3\",\"ｱ\",\"100\",\"1\",\"C\",\"0\"\n\"short\"\n\"a\",\"b\",\"1\",\"2\",\"1\",\"3\",\"ｱ\",\"x\",\"1\",\"C\",\"0\"\n")
	require.Len(t, rows, 1)
	require.Equal(t, "0001", rows[0].BankCode)
	require.Equal(t, "002", rows[0].BranchCode)
	require.Equal(t, "0000003", rows[0].AccountNumber)
	require.Len(t, errs, 2)
	require.Equal(t, 2, errs[0].Row)
	require.Equal(t, 3, errs[1].Row)
}

func TestBatchTransitionsAreOneWay(t *testing.T) {
	require.True(t, BatchDraft.CanTransition(BatchExported))
	require.True(t, BatchExported.CanTransition(BatchResultImported))
	require.False(t, BatchExported.CanTransition(BatchDraft))
	require.False(t, BatchResultImported.CanTransition(BatchExported))
	require.False(t, BatchDraft.CanTransition(BatchResultImported))
}

func TestParseProviders(t *testing.T) {
	ps, err := ParseProviders([]byte(`
providers:
  - tenant_id: 1
    code: smbc
    consignor_code: "0012345678"
    closing_day: 10
    debit_day: 27
    active: true
  - tenant_id: 1
    code: mufg
    consignor_code: "99"
    debit_day: 31
    encoding: euc-jp
`))
	require.NoError(t, err)
	require.Len(t, ps, 2)
	require.Equal(t, EncodingShiftJIS, ps[0].Encoding)
	require.Equal(t, "0012345678", ps[0].ConsignorCode)
	require.Equal(t, EncodingEUCJP, ps[1].Encoding)

	_, err = ParseProviders([]byte("providers:\n  - tenant_id: 1\n    code: x\n    consignor_code: y\n    debit_day: 40\n"))
	require.Error(t, err)
}
